package extraction

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxFileBytes = 32 << 20

// BlobOpener reads objects from the blob store.
type BlobOpener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Fetcher downloads statement files from http(s) URLs or blob:// references.
type Fetcher struct {
	client *http.Client
	blobs  BlobOpener
}

// NewFetcher builds a Fetcher. A nil client gets a 30 second timeout.
func NewFetcher(client *http.Client, blobs BlobOpener) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client, blobs: blobs}
}

// Fetch returns the file bytes. Every failure wraps ErrDownload.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "blob://"):
		if f.blobs == nil {
			return nil, fmt.Errorf("%w: no blob store configured", ErrDownload)
		}
		rc, err := f.blobs.Open(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownload, err)
		}
		defer func() { _ = rc.Close() }()
		return readLimited(rc)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.fetchHTTP(ctx, ref)
	}
	return nil, fmt.Errorf("%w: unsupported reference %q", ErrDownload, ref)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrDownload, resp.StatusCode)
	}
	return readLimited(resp.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrDownload, maxFileBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrDownload)
	}
	return data, nil
}
