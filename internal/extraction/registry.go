package extraction

import (
	"context"
	"fmt"
)

// Registry maps file kinds to adapters.
type Registry struct {
	adapters map[FileKind]Adapter
}

// NewRegistry wires the spreadsheet, PDF and image adapters. vision may be nil.
func NewRegistry(vision Vision) *Registry {
	r := &Registry{adapters: make(map[FileKind]Adapter, 3)}
	r.Register(KindExcel, NewSpreadsheetAdapter())
	r.Register(KindPDF, NewPDFAdapter())
	r.Register(KindImage, NewImageAdapter(vision))
	return r
}

// Register replaces the adapter for kind.
func (r *Registry) Register(kind FileKind, a Adapter) {
	r.adapters[kind] = a
}

// Extract runs the adapter registered for kind.
func (r *Registry) Extract(ctx context.Context, kind FileKind, payload []byte) (ExtractedData, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return ExtractedData{}, fmt.Errorf("%w: %q", ErrUnsupported, kind)
	}
	data, err := a.Extract(ctx, payload)
	if err != nil {
		return ExtractedData{}, err
	}
	if data.FileType == "" {
		data.FileType = kind
	}
	return data, nil
}
