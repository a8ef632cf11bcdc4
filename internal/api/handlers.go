package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bitriver-ingest/internal/ingest"
	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
	"bitriver-ingest/internal/registry"
	"bitriver-ingest/internal/transcode"
)

// StreamRegistry exposes the live stream registry.
type StreamRegistry interface {
	List() []registry.Entry
	Get(key string) (registry.Entry, bool)
}

type EncoderSnapshotter interface {
	Snapshot() []transcode.ProcessInfo
}

type SessionLister interface {
	Sessions() []ingest.SessionInfo
}

// Handler serves the statistics endpoints. Encoders and Sessions are optional.
type Handler struct {
	Streams  StreamRegistry
	Encoders EncoderSnapshotter
	Sessions SessionLister
	Checks   []HealthCheck
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

type streamView struct {
	Key           string    `json:"key"`
	AccountID     string    `json:"accountId,omitempty"`
	RemoteAddr    string    `json:"remoteAddr,omitempty"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Bytes         uint64    `json:"bytes"`
}

type encoderView struct {
	Key       string    `json:"key"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	BytesFed  uint64    `json:"bytesFed"`
}

func newStreamView(entry registry.Entry) streamView {
	return streamView{
		Key:           logging.RedactKey(entry.Key),
		AccountID:     entry.AccountID,
		RemoteAddr:    entry.RemoteAddr,
		PID:           entry.PID,
		StartedAt:     entry.StartedAt,
		LastHeartbeat: entry.LastHeartbeat,
		Bytes:         entry.Bytes,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	for _, component := range components {
		if component.Error != "" {
			h.requestLogger(r).Warn("health check failed", "component", component.Component, "error", component.Error)
		}
	}
	payload := map[string]interface{}{
		"status":   status,
		"services": components,
	}
	if h.Streams != nil {
		payload["liveStreams"] = len(h.Streams.List())
	}
	writeJSON(w, code, payload)
}

func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	entries := h.Streams.List()
	views := make([]streamView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newStreamView(entry))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": views})
}

// StreamStatus reports whether a key is live. Unknown keys are simply not
// live, so the endpoint cannot be used to probe which keys exist.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("stream key is required"))
		return
	}
	entry, ok := h.Streams.Get(key)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"live": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"live":   true,
		"stream": newStreamView(entry),
	})
}

func (h *Handler) ListEncoders(w http.ResponseWriter, r *http.Request) {
	if h.Encoders == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"encoders": []encoderView{}})
		return
	}
	infos := h.Encoders.Snapshot()
	views := make([]encoderView, 0, len(infos))
	for _, info := range infos {
		views = append(views, encoderView{
			Key:       logging.RedactKey(info.Key),
			PID:       info.PID,
			StartedAt: info.StartedAt,
			BytesFed:  info.BytesFed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"encoders": views})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []ingest.SessionInfo{}
	if h.Sessions != nil {
		sessions = h.Sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// refreshGauges samples registry size before each scrape.
func (h *Handler) refreshGauges() {
	if h.Streams != nil {
		h.Metrics.SetLiveStreams(len(h.Streams.List()))
	}
}

// requestLogger prefers the request-scoped logger set by the request ID
// middleware.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	if h.Logger != nil {
		return h.Logger
	}
	return logging.Discard()
}
