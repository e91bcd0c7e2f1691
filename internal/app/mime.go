package app

import (
	"log"
	"mime"
)

// Statement uploads are served back from /files/; minimal container images
// ship without /etc/mime.types.
func init() {
	ensureMimeType(".xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	ensureMimeType(".xls", "application/vnd.ms-excel")
	ensureMimeType(".pdf", "application/pdf")
	ensureMimeType(".webp", "image/webp")
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		log.Printf("app: failed to register MIME type for %s: %v", ext, err)
	}
}
