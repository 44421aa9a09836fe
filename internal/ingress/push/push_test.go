package push

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/bridgekeeper/internal/integrity"
	"github.com/nugget/bridgekeeper/internal/responsestore"
)

func newTestHandler(t *testing.T) (*Handler, *responsestore.Store, *integrity.Validator) {
	t.Helper()
	store, err := responsestore.New(responsestore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("responsestore.New: %v", err)
	}
	validator := integrity.New(integrity.Config{HMACSecret: "shared-secret"})
	h, err := NewHandler(Config{Store: store, Validator: validator})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, store, validator
}

func newServer(h *Handler) *httptest.Server {
	mux := http.NewServeMux()
	h.Register(mux)
	return httptest.NewServer(mux)
}

func postJSON(t *testing.T, srv *httptest.Server, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+"/webhook/response", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) outboundResponse {
	t.Helper()
	defer resp.Body.Close()
	var out outboundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHandleResponseAcceptsValidPayload(t *testing.T) {
	h, store, _ := newTestHandler(t)
	srv := newServer(h)
	defer srv.Close()

	resp := postJSON(t, srv, map[string]any{
		"type":          "chat_response",
		"callback_data": "approve:task-1",
		"user_id":       42,
		"timestamp":     1700000000,
	})
	out := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusOK || !out.Success {
		t.Fatalf("expected success, got status=%d body=%+v", resp.StatusCode, out)
	}
	if out.ValidationStatus != ValidationSkipped {
		t.Fatalf("expected skipped validation (no hash supplied), got %v", out.ValidationStatus)
	}
	if store.Count() != 1 {
		t.Fatalf("expected one persisted response, got %d", store.Count())
	}
}

func TestHandleResponseRejectsWrongType(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := newServer(h)
	defer srv.Close()

	resp := postJSON(t, srv, map[string]any{
		"type":          "something_else",
		"callback_data": "approve:task-1",
		"user_id":       42,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleResponseRejectsMalformedCallback(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := newServer(h)
	defer srv.Close()

	resp := postJSON(t, srv, map[string]any{
		"type":          "chat_response",
		"callback_data": "no-separator",
		"user_id":       42,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleResponseShuttingDownReturns503(t *testing.T) {
	store, err := responsestore.New(responsestore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("responsestore.New: %v", err)
	}
	validator := integrity.New(integrity.Config{})
	h, err := NewHandler(Config{Store: store, Validator: validator, ShuttingDown: func() bool { return true }})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := newServer(h)
	defer srv.Close()

	resp := postJSON(t, srv, map[string]any{
		"type":          "chat_response",
		"callback_data": "approve:task-1",
		"user_id":       42,
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHandleResponseMismatchedContentHashFailsVerification(t *testing.T) {
	h, _, _ := newTestHandler(t)
	srv := newServer(h)
	defer srv.Close()

	size := 10
	resp := postJSON(t, srv, map[string]any{
		"type":          "chat_response",
		"callback_data": "approve:task-1",
		"user_id":       42,
		"content_hash":  "deadbeef",
		"content_size":  size,
	})
	out := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusBadRequest || out.ValidationStatus != ValidationFailed {
		t.Fatalf("expected integrity failure, got status=%d body=%+v", resp.StatusCode, out)
	}
}

func TestHandleResponseRequiredRejectsMissingIntegrity(t *testing.T) {
	store, err := responsestore.New(responsestore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("responsestore.New: %v", err)
	}
	validator := integrity.New(integrity.Config{})
	h, err := NewHandler(Config{Store: store, Validator: validator, Required: "required"})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	srv := newServer(h)
	defer srv.Close()

	resp := postJSON(t, srv, map[string]any{
		"type":          "chat_response",
		"callback_data": "approve:task-1",
		"user_id":       42,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 when integrity metadata is required but absent, got %d", resp.StatusCode)
	}
}

func TestIntegrityMetricsEndpoints(t *testing.T) {
	h, _, validator := newTestHandler(t)
	srv := newServer(h)
	defer srv.Close()

	validator.Verify([]byte("x"), validator.Sign([]byte("x"), "", ""))

	resp, err := http.Get(srv.URL + "/integrity/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	var m integrity.Metrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if m.Total != 1 || m.Succeeded != 1 {
		t.Fatalf("unexpected metrics snapshot: %+v", m)
	}

	resetResp, err := http.Post(srv.URL+"/integrity/reset-metrics", "application/json", nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resetResp.Body.Close()
	if resetResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resetResp.StatusCode)
	}
	if validator.Metrics().Total != 0 {
		t.Fatalf("expected metrics to be reset")
	}
}
