package statement

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/ledger/ledgertest"
	"github.com/odyssey-erp/statement-recon/internal/matching"
	"github.com/odyssey-erp/statement-recon/internal/platform/blob"
)

var december = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)

// fileStore serves both as the upload target and the download source.
type fileStore struct {
	mu      sync.Mutex
	files   map[string][]byte
	fetches int
}

func newFileStore() *fileStore { return &fileStore{files: make(map[string][]byte)} }

func (s *fileStore) Put(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ref := blob.Scheme + uuid.NewString() + "-" + name
	s.add(ref, data)
	return ref, nil
}

func (s *fileStore) add(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[ref] = data
}

func (s *fileStore) Fetch(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	data, ok := s.files[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %v", extraction.ErrDownload, ref, fs.ErrNotExist)
	}
	return data, nil
}

type harness struct {
	t           *testing.T
	repo        *memoryRepo
	ledger      *ledgertest.Memory
	chain       *recordingChain
	clock       *clock
	files       *fileStore
	queue       *QueueManager
	processor   *Processor
	confirmer   *Confirmer
	corrections *CorrectionLog
	service     *Service
	handler     *Handler
	router      chi.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:      t,
		ledger: ledgertest.New(),
		chain:  &recordingChain{},
		clock:  newClock(december.Add(9 * time.Hour)),
		files:  newFileStore(),
	}
	h.repo = newMemoryRepo(h.ledger)
	h.queue = NewQueueManager(h.repo, h.chain, DefaultQueuePolicy(), logger)
	h.queue.nowFunc = h.clock.Now

	engine := matching.NewEngine(h.ledger, nil, 0)
	h.processor = NewProcessor(ProcessorConfig{
		Queue:     h.queue,
		Fetcher:   h.files,
		Extractor: extraction.NewRegistry(nil),
		Engine:    engine,
		Logger:    logger,
	})
	h.corrections = NewCorrectionLog(h.repo, logger)
	h.corrections.nowFunc = h.clock.Now
	h.confirmer = NewConfirmer(ConfirmerConfig{
		Repo:        h.repo,
		Ledger:      h.ledger,
		Queue:       h.queue,
		Corrections: h.corrections,
		Logger:      logger,
	})
	h.confirmer.nowFunc = h.clock.Now
	h.service = NewService(h.repo, h.files, engine)
	h.service.nowFunc = h.clock.Now
	h.handler = NewHandler(HandlerConfig{
		Service:       h.service,
		Queue:         h.queue,
		Processor:     h.processor,
		Confirmer:     h.confirmer,
		Corrections:   h.corrections,
		Logger:        logger,
		PublicBaseURL: "https://recon.example.com/",
	})
	r := chi.NewRouter()
	h.handler.MountRoutes(r)
	h.router = r
	return h
}

// addStatement stores a pending statement whose file is payload.
func (h *harness) addStatement(name string, payload []byte) string {
	h.t.Helper()
	ref := blob.Scheme + name
	h.files.add(ref, payload)
	id := uuid.NewString()
	h.repo.put(Statement{
		ID:         id,
		ImageURL:   ref,
		FileName:   name,
		UploadedAt: h.clock.Now(),
		Status:     StatusPending,
	})
	return id
}

// extracted runs id through the pipeline and requires success.
func (h *harness) extracted(id string) Outcome {
	h.t.Helper()
	out, err := h.processor.ProcessByID(context.Background(), id, "worker-test", Override{})
	require.NoError(h.t, err)
	require.False(h.t, out.Queued)
	return out
}

func buildWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow(sheet, cellRef, &r))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

var statementHeader = []any{"번호", "모델", "규격", "수량", "단가", "금액", "발주번호", "비고"}

// orderedWorkbook is a December statement from 대성정밀 whose only line
// carries a printed order number.
func orderedWorkbook(t *testing.T) []byte {
	return buildWorkbook(t, [][]any{
		{"2025년 12월 거래명세서"},
		{"거래처: 대성정밀"},
		statementHeader,
		{1, "Widget-12", "", 10, 500, "5,000", "F20251201-003", ""},
	})
}

// unlabelledWorkbook has no vendor and no order number.
func unlabelledWorkbook(t *testing.T) []byte {
	return buildWorkbook(t, [][]any{
		{"2025년 12월 거래명세서"},
		statementHeader,
		{1, "Widget-12", "", 10, 500, "5,000", "", ""},
	})
}

// seedOrderedLedger adds the purchase order orderedWorkbook refers to and
// returns its purchase and line ids.
func (h *harness) seedOrderedLedger() (int64, int64) {
	vendor := h.ledger.AddVendor("대성정밀")
	order := h.ledger.AddOrder("F20251201_003", "", vendor, december)
	line := h.ledger.AddLine(order, "Widget-12", "", 10, 500)
	return order, line
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}
