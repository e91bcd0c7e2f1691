package statement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) do(method, path string, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestUploadAndEnqueue(t *testing.T) {
	h := newHarness(t)
	body, contentType := multipartBody(t, map[string]string{"uploaded_by": "kim"}, "december.xlsx", orderedWorkbook(t))
	req := httptest.NewRequest(http.MethodPost, "/statements?enqueue=1", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.StatementID)
	assert.True(t, resp.Queued)
	assert.True(t, strings.HasPrefix(resp.ImageURL, "https://recon.example.com/files/"), resp.ImageURL)

	s := h.repo.snapshot(resp.StatementID)
	assert.Equal(t, StatusQueued, s.Status)
	assert.Equal(t, "kim", s.UploadedBy)
	assert.Equal(t, "december.xlsx", s.FileName)
	assert.EqualValues(t, "excel", s.FileType)
}

func TestUploadRejectsMissingOrUnknownFile(t *testing.T) {
	h := newHarness(t)

	body, contentType := multipartBody(t, map[string]string{"uploaded_by": "kim"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/statements", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, contentType = multipartBody(t, nil, "notes.txt", []byte("plain text, not a statement"))
	req = httptest.NewRequest(http.MethodPost, "/statements", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestExtractEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))

	rec := h.do(http.MethodPost, "/statements/extract", `{"statementId":"`+id+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Success      bool   `json:"success"`
		Status       string `json:"status"`
		VendorName   string `json:"vendor_name"`
		ItemCount    int    `json:"itemCount"`
		MatchedCount int    `json:"matchedCount"`
		Result       struct {
			Items []Item `json:"items"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "extracted", resp.Status)
	assert.Equal(t, "대성정밀", resp.VendorName)
	assert.Equal(t, 1, resp.ItemCount)
	assert.Equal(t, 1, resp.MatchedCount)
	require.Len(t, resp.Result.Items, 1)

	rec = h.do(http.MethodPost, "/statements/extract", `{"statementId":"`+id+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/statements/extract", `{"statementId":"`+id+`","fileType":"docx"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPost, "/statements/extract", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtractEndpointReportsStage(t *testing.T) {
	h := newHarness(t)
	id := h.addStatement("broken.xlsx", []byte("junk"))

	rec := h.do(http.MethodPost, "/statements/extract", `{"statementId":"`+id+`"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp["error"], "[stage:parse_file]"), resp["error"])
}

func TestExtractEndpointQueuesBusyStatement(t *testing.T) {
	h := newHarness(t)
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	require.NoError(t, h.queue.Enqueue(t.Context(), id))
	_, err := h.queue.Claim(t.Context(), "other")
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/statements/extract", `{"statementId":"`+id+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued":true`)
}

func TestShowAndList(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	h.extracted(id)
	h.addStatement("b.xlsx", orderedWorkbook(t))

	rec := h.do(http.MethodGet, "/statements/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Items  []struct {
			ID         string `json:"id"`
			Candidates []any  `json:"match_candidates"`
		} `json:"items"`
		OrderSet struct {
			Best *struct {
				PurchaseID int64 `json:"purchase_id"`
			} `json:"best"`
		} `json:"order_set"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, id, detail.ID)
	assert.Equal(t, "extracted", detail.Status)
	require.Len(t, detail.Items, 1)
	assert.NotEmpty(t, detail.Items[0].Candidates)
	assert.NotContains(t, rec.Body.String(), "confirmation_fingerprint")

	rec = h.do(http.MethodGet, "/statements/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/statements?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Statements []Statement `json:"statements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Statements, 1)
	assert.Equal(t, StatusPending, list.Statements[0].Status)

	rec = h.do(http.MethodGet, "/statements?status=archived", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmEndpoint(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))
	item := h.extracted(id).Items[0]
	pending := h.addStatement("b.xlsx", orderedWorkbook(t))

	match := fmt.Sprintf(`"matched_purchase_id":%d,"matched_item_id":%d`, item.MatchedPurchaseID, item.MatchedItemID)
	good := `{"confirmed_by":"kim","items":[{"itemId":"` + item.ID + `",` + match + `,"confirmed_quantity":"10"}]}`
	cases := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"malformed", id, `{"confirmed_by":`, http.StatusBadRequest},
		{"negative line", id, `{"items":[{"itemId":"` + item.ID + `","matched_item_id":-1}]}`, http.StatusBadRequest},
		{"unknown item", id, `{"confirmed_by":"kim","items":[{"itemId":"nope"}]}`, http.StatusUnprocessableEntity},
		{"not extracted", pending, `{"confirmed_by":"kim","items":[]}`, http.StatusConflict},
		{"confirm", id, good, http.StatusNoContent},
		{"replay", id, good, http.StatusNoContent},
		{"different payload", id, `{"confirmed_by":"kim","items":[{"itemId":"` + item.ID + `",` + match + `,"confirmed_quantity":"7"}]}`, http.StatusConflict},
	}
	for _, tc := range cases {
		rec := h.do(http.MethodPost, "/statements/"+tc.id+"/confirm", tc.body)
		assert.Equal(t, tc.want, rec.Code, "%s: %s", tc.name, rec.Body.String())
	}
	assert.Equal(t, 1, h.ledger.Receipts)
	assert.Equal(t, "kim", h.repo.snapshot(id).ConfirmedBy)
}

func TestConfirmEndpointReviewerIdentity(t *testing.T) {
	h := newHarness(t)
	first := h.addStatement("a.xlsx", orderedWorkbook(t))
	h.extracted(first)
	second := h.addStatement("b.xlsx", orderedWorkbook(t))
	h.extracted(second)

	req := httptest.NewRequest(http.MethodPost, "/statements/"+first+"/confirm", strings.NewReader(`{"items":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ReviewerHeader, "park")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, "park", h.repo.snapshot(first).ConfirmedBy)

	rec = h.do(http.MethodPost, "/statements/"+second+"/confirm", `{"items":[]}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, DefaultReviewer, h.repo.snapshot(second).ConfirmedBy)
}

func TestLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)
	h.seedOrderedLedger()
	id := h.addStatement("a.xlsx", orderedWorkbook(t))

	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/statements/"+id+"/enqueue", "").Code)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/statements/"+id+"/reject", "").Code)

	out, err := h.processor.ProcessNext(t.Context(), "w1")
	require.NoError(t, err)
	item := out.Items[0]

	rec := h.do(http.MethodPut, "/statements/"+id+"/items/"+item.ID+"/match", `{"matched_purchase_id":1,"matched_item_id":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPut, "/statements/"+id+"/items/"+item.ID+"/match", `{"matched_purchase_id":1,"matched_item_id":999999}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/statements/"+id+"/rerun", "").Code)
	assert.Equal(t, StatusQueued, h.repo.snapshot(id).Status)
	_, err = h.processor.ProcessNext(t.Context(), "w1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/statements/"+id+"/reject", "").Code)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/statements/"+id+"/rerun", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/statements/missing/enqueue", "").Code)
}

func TestCorrectionsEndpointAlwaysAccepts(t *testing.T) {
	h := newHarness(t)
	payload, err := json.Marshal(Correction{OriginalText: "1O", CorrectedText: "10", FieldType: FieldQuantity, CorrectedBy: "kim"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/corrections", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return len(h.repo.correctionsLogged()) == 1 }, time.Second, 10*time.Millisecond)

	for _, body := range []string{`{"corrected_text":"","field_type":"amount"}`, `not json`} {
		assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/corrections", body).Code)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.repo.correctionsLogged(), 1)
}
