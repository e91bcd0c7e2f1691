package extraction

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var extKinds = map[string]FileKind{
	".xlsx": KindExcel,
	".xlsm": KindExcel,
	".xls":  KindExcel,
	".pdf":  KindPDF,
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".gif":  KindImage,
	".webp": KindImage,
}

// DetectKind picks the adapter family. An explicit hint wins, then the file
// extension, then the payload content.
func DetectKind(hint, name string, payload []byte) (FileKind, error) {
	if k := FileKind(strings.ToLower(strings.TrimSpace(hint))); k.Valid() {
		return k, nil
	}
	if k, ok := extKinds[strings.ToLower(filepath.Ext(stripQuery(name)))]; ok {
		return k, nil
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: cannot detect type of empty payload", ErrUnsupported)
	}
	mt := mimetype.Detect(payload)
	switch {
	case mt.Is("application/pdf"):
		return KindPDF, nil
	case mt.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
		mt.Is("application/vnd.ms-excel"),
		mt.Is("application/x-ole-storage"):
		return KindExcel, nil
	case strings.HasPrefix(mt.String(), "image/"):
		return KindImage, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mt.String())
}

func stripQuery(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		return name[:i]
	}
	return name
}
