package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HealthCheck is one dependency probed by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds the services handling API requests.
type Handlers struct {
	Sync   *service.SyncService
	Checks []HealthCheck
}

// Health reports the state of every registered dependency. Any failing
// check turns the response into a 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type healthStatus struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}

	status := healthStatus{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	code := http.StatusOK
	for _, c := range h.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			status.Status = "degraded"
			status.Checks[c.Name] = "error"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, status)
}

// GetStatus handles GET /api/v1/sync/status.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Sync.Status(r.Context())
	if err != nil {
		writeDomainError(w, err, "sync status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetMetrics handles GET /api/v1/sync/metrics.
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Sync.Metrics(r.Context())
	if err != nil {
		writeDomainError(w, err, "sync metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SyncNow handles POST /api/v1/sync/now. It waits for any batch in flight
// and then runs one batch.
func (h *Handlers) SyncNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.SyncNow(r.Context())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for the batch in flight")
		return
	case err != nil:
		writeDomainError(w, err, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StartSync handles POST /api/v1/sync/start.
func (h *Handlers) StartSync(w http.ResponseWriter, r *http.Request) {
	// The loop outlives the request.
	if err := h.Sync.Start(context.WithoutCancel(r.Context())); err != nil {
		writeDomainError(w, err, "start failed")
		return
	}
	h.GetStatus(w, r)
}

// StopSync handles POST /api/v1/sync/stop. It returns once the batch in
// flight, if any, has finished.
func (h *Handlers) StopSync(w http.ResponseWriter, r *http.Request) {
	h.Sync.Stop()
	h.GetStatus(w, r)
}

type enqueueRequest struct {
	EntityType   string             `json:"entity_type"`
	EntityID     string             `json:"entity_id"`
	Operation    string             `json:"operation_type"`
	Data         map[string]any     `json:"data"`
	Dependencies []syncop.EntityRef `json:"dependencies"`
	TimestampUTC *time.Time         `json:"timestamp_utc"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

// EnqueueOperation handles POST /api/v1/sync/operations. A missing
// timestamp defaults to the time of the request.
func (h *Handlers) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[enqueueRequest](w, r)
	if !ok {
		return
	}
	entity, err := syncop.ParseEntityType(req.EntityType)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	opType, err := syncop.ParseOperationType(req.Operation)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}

	op := syncop.Operation{
		EntityType:   entity,
		EntityID:     req.EntityID,
		Type:         opType,
		Data:         req.Data,
		Dependencies: req.Dependencies,
		TimestampUTC: time.Now().UTC(),
	}
	if req.TimestampUTC != nil {
		op.TimestampUTC = *req.TimestampUTC
	}

	id, err := h.Sync.Enqueue(r.Context(), op)
	if err != nil {
		writeDomainError(w, err, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

// GetOperation handles GET /api/v1/sync/operations/{id}.
func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamInt64(w, r, "id")
	if !ok {
		return
	}
	item, err := h.Sync.GetOperation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ListOperations handles GET /api/v1/sync/operations?status=&limit=.
// The status defaults to abandoned, the list operators act on.
func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	status := syncop.StatusAbandoned
	if s := r.URL.Query().Get("status"); s != "" {
		status = syncop.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
	}
	limit, ok := queryInt(r, "limit", defaultListLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxListLimit)

	items, err := h.Sync.ListOperations(r.Context(), status, limit)
	if err != nil {
		writeDomainError(w, err, "list failed")
		return
	}
	if items == nil {
		items = []syncop.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}
