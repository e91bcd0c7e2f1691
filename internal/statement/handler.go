package statement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/statement-recon/internal/extraction"
	"github.com/odyssey-erp/statement-recon/internal/platform/blob"
	"github.com/odyssey-erp/statement-recon/internal/platform/httpx"
)

// HandlerConfig wires the HTTP surface.
type HandlerConfig struct {
	Service       *Service
	Queue         *QueueManager
	Processor     *Processor
	Confirmer     *Confirmer
	Corrections   *CorrectionLog
	Logger        *slog.Logger
	PublicBaseURL string
}

// Handler serves the statement review API.
type Handler struct {
	service     *Service
	queue       *QueueManager
	processor   *Processor
	confirmer   *Confirmer
	corrections *CorrectionLog
	logger      *slog.Logger
	publicBase  string
	validate    *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:     cfg.Service,
		queue:       cfg.Queue,
		processor:   cfg.Processor,
		confirmer:   cfg.Confirmer,
		corrections: cfg.Corrections,
		logger:      logger,
		publicBase:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		validate:    validator.New(),
	}
}

// MountRoutes registers statement and correction routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/statements", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.upload)
		r.Post("/extract", h.extract)
		r.Get("/{id}", h.show)
		r.Post("/{id}/enqueue", h.enqueue)
		r.Post("/{id}/confirm", h.confirm)
		r.Post("/{id}/reject", h.reject)
		r.Post("/{id}/rerun", h.rerun)
		r.Put("/{id}/items/{itemId}/match", h.match)
	})
	r.Post("/corrections", h.recordCorrection)
}

type uploadResponse struct {
	StatementID string `json:"statementId"`
	ImageURL    string `json:"imageUrl"`
	Queued      bool   `json:"queued,omitempty"`
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		h.respondError(w, errors.Join(ErrValidation, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, errors.Join(ErrValidation, err))
		return
	}
	defer func() { _ = file.Close() }()

	st, err := h.service.Upload(r.Context(), Upload{
		FileName:   header.Filename,
		FileType:   r.FormValue("fileType"),
		UploadedBy: r.FormValue("uploaded_by"),
		Body:       file,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	resp := uploadResponse{StatementID: st.ID, ImageURL: h.publicURL(st.ImageURL)}
	if enqueue, _ := strconv.ParseBool(r.URL.Query().Get("enqueue")); enqueue {
		if err := h.queue.Enqueue(r.Context(), st.ID); err != nil {
			h.respondError(w, err)
			return
		}
		resp.Queued = true
	}
	h.logger.Info("statement uploaded", slog.String("statement_id", st.ID), slog.String("file_type", string(st.FileType)))
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) publicURL(ref string) string {
	if h.publicBase == "" || !strings.HasPrefix(ref, blob.Scheme) {
		return ref
	}
	return h.publicBase + "/files/" + strings.TrimPrefix(ref, blob.Scheme)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.service.List(r.Context(), ListFilter{Status: Status(r.URL.Query().Get("status")), Limit: limit})
	if err != nil {
		h.respondError(w, err)
		return
	}
	if items == nil {
		items = []Statement{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"statements": items})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Enqueue(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type extractRequest struct {
	StatementID string `json:"statementId" validate:"required"`
	FileURL     string `json:"fileUrl,omitempty" validate:"omitempty,url"`
	FileType    string `json:"fileType,omitempty" validate:"omitempty,oneof=excel pdf image"`
}

type extractResponse struct {
	Success      bool     `json:"success"`
	StatementID  string   `json:"statementId"`
	Status       Status   `json:"status"`
	Queued       bool     `json:"queued,omitempty"`
	VendorName   string   `json:"vendor_name,omitempty"`
	ItemCount    int      `json:"itemCount"`
	MatchedCount int      `json:"matchedCount"`
	Result       *Outcome `json:"result,omitempty"`
}

func (h *Handler) extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, errors.Join(ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, errors.Join(ErrValidation, err))
		return
	}
	workerID := "api-" + uuid.NewString()[:8]
	out, err := h.processor.ProcessByID(r.Context(), req.StatementID, workerID, Override{
		FileURL:  req.FileURL,
		FileType: extraction.FileKind(req.FileType),
	})
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			httpx.JSON(w, http.StatusInternalServerError, map[string]string{"error": se.Error()})
			return
		}
		h.respondError(w, err)
		return
	}
	if out.Queued {
		httpx.JSON(w, http.StatusAccepted, extractResponse{Success: true, StatementID: req.StatementID, Status: StatusQueued, Queued: true})
		return
	}
	httpx.JSON(w, http.StatusOK, extractResponse{
		Success:      true,
		StatementID:  out.Statement.ID,
		Status:       out.Statement.Status,
		VendorName:   out.Statement.VendorName,
		ItemCount:    len(out.Items),
		MatchedCount: out.MatchedCount(),
		Result:       &out,
	})
}

// ReviewerHeader names the reviewer when a confirm body omits confirmed_by.
// It is set by the gateway in front of the service.
const ReviewerHeader = "X-User"

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, errors.Join(ErrValidation, err))
		return
	}
	req.StatementID = chi.URLParam(r, "id")
	if req.ConfirmedBy == "" {
		req.ConfirmedBy = strings.TrimSpace(r.Header.Get(ReviewerHeader))
	}
	if _, err := h.confirmer.Confirm(r.Context(), req); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	if err := h.confirmer.Reject(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rerun(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.RequestRerun(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type matchRequest struct {
	PurchaseID int64 `json:"matched_purchase_id" validate:"required,gt=0"`
	ItemID     int64 `json:"matched_item_id" validate:"required,gt=0"`
}

func (h *Handler) match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, errors.Join(ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, errors.Join(ErrValidation, err))
		return
	}
	err := h.confirmer.UpdateItemMatch(r.Context(), ItemMatch{
		StatementID: chi.URLParam(r, "id"),
		ItemID:      chi.URLParam(r, "itemId"),
		PurchaseID:  req.PurchaseID,
		LineID:      req.ItemID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordCorrection always accepts; the write happens after the response.
func (h *Handler) recordCorrection(w http.ResponseWriter, r *http.Request) {
	var c Correction
	if err := httpx.DecodeJSON(w, r, &c); err != nil {
		h.logger.Warn("correction body", slog.Any("error", err))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	c.ID, c.CreatedAt = "", time.Time{}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		h.corrections.Record(ctx, c)
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.Classified(httpx.ErrNotFound, err))
	case errors.Is(err, ErrStateConflict):
		httpx.RespondError(w, httpx.Classified(httpx.ErrConflict, err))
	case errors.Is(err, ErrInvalidReference):
		httpx.RespondError(w, httpx.Classified(httpx.ErrUnprocessable, err))
	case errors.Is(err, ErrValidation):
		httpx.RespondError(w, httpx.Classified(httpx.ErrValidation, err))
	default:
		h.logger.Error("statement request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
