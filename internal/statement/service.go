package statement

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/matching"
)

// MaxUploadBytes bounds a single statement file.
const MaxUploadBytes = 32 << 20

// BlobPutter stores uploaded files and returns a reference Fetcher accepts.
type BlobPutter interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// Upload is one incoming statement file.
type Upload struct {
	FileName   string
	FileType   string
	UploadedBy string
	Body       io.Reader
}

// ItemView is a stored item with freshly ranked candidates.
type ItemView struct {
	Item
	Ambiguous  bool                 `json:"ambiguous,omitempty"`
	Candidates []matching.Candidate `json:"match_candidates"`
}

// Detail is the review view of a statement.
type Detail struct {
	Statement
	Items    []ItemView              `json:"items"`
	Vendor   *matching.VendorMatch   `json:"vendor_match,omitempty"`
	OrderSet matching.OrderSetResult `json:"order_set"`
}

// Service covers uploads and the read side of the review workflow.
type Service struct {
	repo    Repository
	blobs   BlobPutter
	engine  *matching.Engine
	nowFunc func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, blobs BlobPutter, engine *matching.Engine) *Service {
	return &Service{repo: repo, blobs: blobs, engine: engine, nowFunc: time.Now}
}

// Upload stores the file and records a pending statement.
func (s *Service) Upload(ctx context.Context, u Upload) (Statement, error) {
	payload, err := io.ReadAll(io.LimitReader(u.Body, MaxUploadBytes+1))
	if err != nil {
		return Statement{}, fmt.Errorf("statement: read upload: %w", err)
	}
	switch {
	case len(payload) == 0:
		return Statement{}, fmt.Errorf("%w: empty file", ErrValidation)
	case len(payload) > MaxUploadBytes:
		return Statement{}, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, MaxUploadBytes)
	}
	kind, err := extraction.DetectKind(strings.ToLower(u.FileType), u.FileName, payload)
	if err != nil {
		return Statement{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ref, err := s.blobs.Put(ctx, u.FileName, bytes.NewReader(payload))
	if err != nil {
		return Statement{}, err
	}
	st := Statement{
		ID:         uuid.NewString(),
		ImageURL:   ref,
		FileName:   u.FileName,
		FileType:   kind,
		UploadedAt: s.nowFunc().UTC(),
		UploadedBy: u.UploadedBy,
		Status:     StatusPending,
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return Statement{}, err
	}
	return st, nil
}

// Get returns one statement.
func (s *Service) Get(ctx context.Context, id string) (Statement, error) {
	return s.repo.Get(ctx, id)
}

// List returns statements, optionally by status.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Statement, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	return s.repo.List(ctx, f)
}

// Detail loads a statement with its items and re-ranks candidates against
// the current ledger. Candidates are never stored.
func (s *Service) Detail(ctx context.Context, id string) (Detail, error) {
	st, err := s.repo.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	items, err := s.repo.Items(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	out := Detail{Statement: st, Items: make([]ItemView, len(items)), OrderSet: matching.OrderSetResult{Candidates: []matching.OrderSetMatch{}}}
	for i, it := range items {
		out.Items[i] = ItemView{Item: it, Candidates: []matching.Candidate{}}
	}
	if len(items) == 0 || s.engine == nil {
		return out, nil
	}

	vendor, err := s.engine.ResolveVendor(ctx, st.VendorName)
	if err != nil {
		return Detail{}, err
	}
	req := matching.Request{StatementDate: st.StatementDate, VendorName: st.VendorName}
	for _, it := range items {
		req.Items = append(req.Items, it.MatchInput())
	}
	ann, err := s.engine.Annotate(ctx, req, vendor)
	if err != nil {
		return Detail{}, err
	}
	for i := range out.Items {
		out.Items[i].Candidates = ann.Items[i].Candidates
		out.Items[i].Ambiguous = ann.Items[i].Ambiguous
	}
	out.Vendor = vendor
	out.OrderSet = ann.OrderSet
	return out, nil
}
