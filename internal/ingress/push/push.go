// Package push implements the signed HTTP webhook response ingress
// (C9): one endpoint that accepts chat-response payloads from an
// external relay, verifies their integrity, and forwards them to the
// response store.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/bridgekeeper/internal/events"
	"github.com/nugget/bridgekeeper/internal/integrity"
	"github.com/nugget/bridgekeeper/internal/responsestore"
)

// ValidationStatus mirrors the payload's validation_status field (§4.8).
type ValidationStatus string

const (
	ValidationValidated ValidationStatus = "validated"
	ValidationSkipped   ValidationStatus = "skipped"
	ValidationFailed    ValidationStatus = "failed"
)

// inboundPayload is the webhook's JSON request body, per §4.8's contract.
type inboundPayload struct {
	Type          string `json:"type"`
	CallbackData  string `json:"callback_data"`
	UserID        int64  `json:"user_id"`
	Username      string `json:"username,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	Timestamp     int64  `json:"timestamp"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	ContentSize   *int   `json:"content_size,omitempty"`
}

type outboundResponse struct {
	Success          bool             `json:"success"`
	CorrelationID    string           `json:"correlation_id,omitempty"`
	ProcessingTimeMs float64          `json:"processing_time_ms"`
	ValidationStatus ValidationStatus `json:"validation_status,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Handler serves the webhook endpoint.
type Handler struct {
	store     *responsestore.Store
	validator *integrity.Validator
	required  string // off, optional, required — mirrors config.IntegrityConfig.Required
	bodyLimit int64
	shutdown  func() bool
	bus       *events.Bus
	logger    *slog.Logger
}

// Config configures a Handler.
type Config struct {
	Store     *responsestore.Store
	Validator *integrity.Validator
	// Required controls how strictly integrity metadata is enforced:
	// "off" never checks it, "optional" checks it when present,
	// "required" rejects payloads that omit it.
	Required string
	// BodyLimit caps the request body size accepted, per §4.8's
	// back-pressure contract. Default 10 MiB.
	BodyLimit int64
	// ShuttingDown reports whether the process is in graceful shutdown;
	// when true, new requests are rejected with 503. A nil func means
	// "never shutting down."
	ShuttingDown func() bool
	Bus          *events.Bus
	Logger       *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil || cfg.Validator == nil {
		return nil, fmt.Errorf("push: Store and Validator are required")
	}
	if cfg.Required == "" {
		cfg.Required = "optional"
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 10 << 20
	}
	if cfg.ShuttingDown == nil {
		cfg.ShuttingDown = func() bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		store:     cfg.Store,
		validator: cfg.Validator,
		required:  cfg.Required,
		bodyLimit: cfg.BodyLimit,
		shutdown:  cfg.ShuttingDown,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}, nil
}

// Register mounts the handler's routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/response", h.handleResponse)
	mux.HandleFunc("GET /integrity/metrics", h.handleMetrics)
	mux.HandleFunc("POST /integrity/reset-metrics", h.handleResetMetrics)
}

func (h *Handler) handleResponse(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if h.shutdown() {
		h.writeError(w, http.StatusServiceUnavailable, "", "shutting_down", start)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit)
	var payload inboundPayload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "", "invalid_payload: "+err.Error(), start)
		return
	}

	if err := validateStructure(payload); err != nil {
		h.writeError(w, http.StatusBadRequest, payload.CorrelationID, err.Error(), start)
		return
	}

	status := ValidationSkipped
	if h.required != "off" && payload.ContentHash != "" && payload.ContentSize != nil {
		content, err := json.Marshal(hashedFields(payload))
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, payload.CorrelationID, "internal_error", start)
			return
		}
		meta := integrity.Metadata{
			ContentHash:   payload.ContentHash,
			ContentSize:   *payload.ContentSize,
			CorrelationID: payload.CorrelationID,
		}
		result := h.validator.Verify(content, meta)
		if !result.Valid {
			h.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceIngressPush,
				Kind:      events.KindIntegrityFailure,
				Data:      map[string]any{"correlation_id": payload.CorrelationID, "reason": string(result.Reason)},
			})
			h.writeStatus(w, http.StatusBadRequest, outboundResponse{
				Success:          false,
				CorrelationID:    payload.CorrelationID,
				ProcessingTimeMs: elapsedMs(start),
				ValidationStatus: ValidationFailed,
				Error:            string(result.Reason),
			})
			return
		}
		status = ValidationValidated
	} else if h.required == "required" {
		h.writeError(w, http.StatusBadRequest, payload.CorrelationID, "integrity_metadata_required", start)
		return
	}

	code, ref, ok := parseCallback(payload.CallbackData)
	if !ok {
		h.writeError(w, http.StatusBadRequest, payload.CorrelationID, "malformed_callback_data", start)
		return
	}

	resp := responsestore.Response{
		EventID:        ref,
		ChatUserID:     strconv.FormatInt(payload.UserID, 10),
		ActionCode:     code,
		ReceivedAt:     time.Unix(payload.Timestamp, 0).UTC(),
		Ingress:        responsestore.IngressPush,
		IntegrityState: integrityStateFor(status),
	}
	if resp.ReceivedAt.Before(time.Unix(0, 0)) || payload.Timestamp == 0 {
		resp.ReceivedAt = time.Now().UTC()
	}

	if _, err := h.store.Upsert(resp); err != nil {
		h.logger.Error("push: failed to persist response", "error", err)
		h.writeError(w, http.StatusInternalServerError, payload.CorrelationID, "storage_error", start)
		return
	}

	h.writeStatus(w, http.StatusOK, outboundResponse{
		Success:          true,
		CorrelationID:    payload.CorrelationID,
		ProcessingTimeMs: elapsedMs(start),
		ValidationStatus: status,
	})
}

// hashedFields returns the subset of the payload the sender is expected
// to have hashed: everything except the hash/size fields themselves,
// so verification isn't self-referential.
func hashedFields(p inboundPayload) any {
	return struct {
		Type          string `json:"type"`
		CallbackData  string `json:"callback_data"`
		UserID        int64  `json:"user_id"`
		Username      string `json:"username,omitempty"`
		FirstName     string `json:"first_name,omitempty"`
		Timestamp     int64  `json:"timestamp"`
		CorrelationID string `json:"correlation_id,omitempty"`
	}{
		Type:          p.Type,
		CallbackData:  p.CallbackData,
		UserID:        p.UserID,
		Username:      p.Username,
		FirstName:     p.FirstName,
		Timestamp:     p.Timestamp,
		CorrelationID: p.CorrelationID,
	}
}

func integrityStateFor(status ValidationStatus) responsestore.IntegrityState {
	switch status {
	case ValidationValidated:
		return responsestore.IntegrityVerified
	case ValidationFailed:
		return responsestore.IntegrityMismatched
	default:
		return responsestore.IntegrityUnverified
	}
}

func validateStructure(p inboundPayload) error {
	if p.Type != "chat_response" {
		return errors.New("type must be \"chat_response\"")
	}
	if p.CallbackData == "" {
		return errors.New("callback_data is required")
	}
	if p.UserID == 0 {
		return errors.New("user_id is required")
	}
	return nil
}

func parseCallback(data string) (code, ref string, ok bool) {
	for i := 0; i < len(data); i++ {
		if data[i] == ':' {
			return data[:i], data[i+1:], true
		}
	}
	return "", "", false
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, correlationID, errMsg string, start time.Time) {
	h.writeStatus(w, status, outboundResponse{
		Success:          false,
		CorrelationID:    correlationID,
		ProcessingTimeMs: elapsedMs(start),
		Error:            errMsg,
	})
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, body outboundResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("push: failed to write response body", "error", err)
	}
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.validator.Metrics()); err != nil {
		h.logger.Debug("push: failed to write metrics body", "error", err)
	}
}

func (h *Handler) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	h.validator.ResetMetrics()
	w.WriteHeader(http.StatusNoContent)
}
