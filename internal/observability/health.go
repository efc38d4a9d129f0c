package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs /healthz and /readyz. Readiness flips on once
// recovery has replayed the log and the engine loop is running; the
// readiness body reports how far persistence trails the engine.
type HealthChecker struct {
	ready     atomic.Bool
	applied   atomic.Int64
	durable   atomic.Int64
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{startTime: time.Now()}
	h.applied.Store(-1)
	h.durable.Store(-1)
	return h
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetSequence records the last sequence the engine applied.
func (h *HealthChecker) SetSequence(seq int64) {
	h.applied.Store(seq)
}

// SetDurable records the last sequence committed to the event log.
func (h *HealthChecker) SetDurable(seq int64) {
	h.durable.Store(seq)
}

type readiness struct {
	Status   string `json:"status"`
	Sequence int64  `json:"sequence"`
	Durable  int64  `json:"durable_sequence"`
	Lag      int64  `json:"persist_lag"`
}

func (h *HealthChecker) readiness() readiness {
	applied, durable := h.applied.Load(), h.durable.Load()
	r := readiness{Status: "not_ready", Sequence: applied, Durable: durable}
	if applied > durable {
		r.Lag = applied - durable
	}
	if h.ready.Load() {
		r.Status = "ready"
	}
	return r
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ReadinessHandler returns HTTP 200 when ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := h.readiness()
	if body.Status == "ready" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
