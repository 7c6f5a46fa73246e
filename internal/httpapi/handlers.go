// Package httpapi exposes the sync queue and its monitor to the till UI and
// back-office tools over a local REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/conflict"
	"github.com/kimhsiao/outletsync/internal/sync/monitor"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
	"github.com/kimhsiao/outletsync/internal/sync/scheduler"
)

const maxBodyBytes = 1 << 20

// SchedulerStatus reports the background scheduler's state.
type SchedulerStatus interface {
	GetStatus(ctx context.Context) scheduler.SchedulerStatus
}

// SyncHandler handles sync status and queue operations.
type SyncHandler struct {
	engine    *queue.Engine
	monitor   *monitor.Monitor
	conflicts *conflict.Service
	scheduler SchedulerStatus
	events    http.Handler
	storeID   string
}

// Option configures a SyncHandler.
type Option func(*SyncHandler)

// WithConflicts enables the conflict endpoints.
func WithConflicts(svc *conflict.Service) Option {
	return func(h *SyncHandler) { h.conflicts = svc }
}

// WithScheduler enables GET /api/sync/scheduler.
func WithScheduler(s SchedulerStatus) Option {
	return func(h *SyncHandler) { h.scheduler = s }
}

// WithEvents mounts a websocket event stream at /api/sync/events.
func WithEvents(events http.Handler) Option {
	return func(h *SyncHandler) { h.events = events }
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine *queue.Engine, mon *monitor.Monitor, storeID string, opts ...Option) *SyncHandler {
	h := &SyncHandler{engine: engine, monitor: mon, storeID: storeID}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a mux with every endpoint registered.
func (h *SyncHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)

	mux.HandleFunc("GET /api/sync/status", h.GetStatusBar)
	mux.HandleFunc("GET /api/sync/dashboard", h.GetDashboard)
	mux.HandleFunc("GET /api/sync/summary", h.GetQueueSummary)
	mux.HandleFunc("POST /api/sync/trigger", h.TriggerSync)
	mux.HandleFunc("POST /api/sync/reconnect", h.Reconnect)

	mux.HandleFunc("GET /api/sync/items", h.ListItems)
	mux.HandleFunc("POST /api/sync/items", h.Enqueue)
	mux.HandleFunc("GET /api/sync/items/{id}", h.GetItem)
	mux.HandleFunc("POST /api/sync/items/{id}/retry", h.RetryItem)
	mux.HandleFunc("POST /api/sync/items/{id}/cancel", h.CancelItem)
	mux.HandleFunc("POST /api/sync/items/retry-failed", h.RetryAllFailed)

	mux.HandleFunc("GET /api/sync/errors", h.GetRecentErrors)
	mux.HandleFunc("GET /api/sync/errors/{id}", h.GetErrorDetails)
	mux.HandleFunc("POST /api/sync/errors/clear", h.ClearErrors)

	if h.conflicts != nil {
		mux.HandleFunc("GET /api/sync/conflicts", h.ListConflicts)
		mux.HandleFunc("POST /api/sync/conflicts/{id}/resolve", h.ResolveConflict)
	}
	if h.scheduler != nil {
		mux.HandleFunc("GET /api/sync/scheduler", h.GetSchedulerStatus)
	}
	if h.events != nil {
		mux.Handle("GET /api/sync/events", h.events)
	}
	return mux
}

// =====================================================
// Status Endpoints
// =====================================================

// Health handles GET /api/health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "outletsync",
		"store_id": h.storeID,
	})
}

// GetStatusBar handles GET /api/sync/status
func (h *SyncHandler) GetStatusBar(w http.ResponseWriter, r *http.Request) {
	bar, err := h.monitor.GetStatusBar(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bar)
}

// GetDashboard handles GET /api/sync/dashboard
func (h *SyncHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.monitor.GetDashboard(r.Context(), h.storeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

// GetQueueSummary handles GET /api/sync/summary
func (h *SyncHandler) GetQueueSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.monitor.GetQueueSummary(r.Context(), h.storeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetSchedulerStatus handles GET /api/sync/scheduler
func (h *SyncHandler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.GetStatus(r.Context()))
}

// TriggerSync handles POST /api/sync/trigger
// Returns 409 with the result body when another sync is already running.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req monitor.SyncRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.monitor.TriggerManualSync(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]interface{}{
			"error":  err.Error(),
			"code":   errors.CodeOf(err),
			"result": result,
		})
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Reconnect handles POST /api/sync/reconnect
func (h *SyncHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	ok := h.monitor.Reconnect(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": ok,
		"state":     h.monitor.State(),
	})
}

// =====================================================
// Queue Item Endpoints
// =====================================================

type enqueueRequest struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	Priority   string          `json:"priority"`
}

// Enqueue handles POST /api/sync/items
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	enq := queue.EnqueueRequest{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Operation:  models.Operation(req.Operation),
		Priority:   models.Priority(req.Priority),
	}
	if len(req.Payload) > 0 {
		enq.Payload = req.Payload
	}

	item, err := h.engine.Enqueue(r.Context(), enq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListItems handles GET /api/sync/items?status=pending&status=failed
func (h *SyncHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	filter := queue.Filter{StoreID: h.storeID}
	for _, s := range r.URL.Query()["status"] {
		status := models.QueueStatus(s)
		if !status.Valid() {
			writeError(w, errors.Newf(errors.ErrInvalid, "unknown status %q", s))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	items, err := h.engine.ListItems(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.SyncQueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// GetItem handles GET /api/sync/items/{id}
func (h *SyncHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryItem handles POST /api/sync/items/{id}/retry
func (h *SyncHandler) RetryItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.monitor.RetryItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelItem handles POST /api/sync/items/{id}/cancel
func (h *SyncHandler) CancelItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.monitor.CancelItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryAllFailed handles POST /api/sync/items/retry-failed
func (h *SyncHandler) RetryAllFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.monitor.RetryAllFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

// =====================================================
// Error Endpoints
// =====================================================

// GetRecentErrors handles GET /api/sync/errors?limit=20
func (h *SyncHandler) GetRecentErrors(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errors.Newf(errors.ErrInvalid, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	errs, err := h.monitor.GetRecentErrors(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if errs == nil {
		errs = []monitor.ErrorInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": errs})
}

// GetErrorDetails handles GET /api/sync/errors/{id}
func (h *SyncHandler) GetErrorDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.monitor.GetErrorDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// ClearErrors handles POST /api/sync/errors/clear
func (h *SyncHandler) ClearErrors(w http.ResponseWriter, r *http.Request) {
	n, err := h.monitor.ClearErrors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

// =====================================================
// Conflict Endpoints
// =====================================================

// ListConflicts handles GET /api/sync/conflicts?unresolved=true&limit=50
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := conflict.Filter{StoreID: h.storeID}
	filter.UnresolvedOnly, _ = strconv.ParseBool(q.Get("unresolved"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	logs, err := h.conflicts.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": logs})
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve
// Body: {"resolution": "local_wins"|"remote_wins"}
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	log, err := h.conflicts.ResolveAs(r.Context(), r.PathValue("id"), req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// =====================================================
// Helpers
// =====================================================

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || err == io.EOF {
		return nil
	}
	return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(errors.CodeOf(err)), err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  errors.CodeOf(err),
	})
}

func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrInvalid, errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrDuplicate, errors.ErrInvalidTransition, errors.ErrSyncInProgress, errors.ErrSyncConflict:
		return http.StatusConflict
	case errors.ErrRetriesExhausted:
		return http.StatusUnprocessableEntity
	case errors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrSyncFailed, errors.ErrConnectionFailed, errors.ErrSyncNotConfigured:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
