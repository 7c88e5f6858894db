// Package api provides HTTP handlers for the dispatchq server REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/dispatchq"
	"github.com/coregx/dispatchq/model"
	"github.com/coregx/dispatchq/ratelimit"
	"github.com/coregx/dispatchq/retry"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	dispatcher *dispatchq.Dispatcher
	logger     dispatchq.Logger
}

// NewHandler creates a new API handler.
func NewHandler(dispatcher *dispatchq.Dispatcher, logger dispatchq.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Routes mounts the API endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/enqueue", h.HandleEnqueue)
	r.Get("/queues", h.HandleListQueues)
	r.Post("/queues", h.HandleCreateQueue)
	r.Get("/queues/{name}", h.HandleQueueInfo)
	r.Delete("/queues/{name}", h.HandleDeleteQueue)
	r.Post("/queues/{name}/pause", h.HandlePauseQueue)
	r.Post("/queues/{name}/resume", h.HandleResumeQueue)
	r.Post("/queues/{name}/clear", h.HandleClearQueue)
	r.Get("/stats", h.HandleStats)
	r.Get("/health", h.HandleHealth)
}

// EnqueueRequest represents a message enqueue request.
type EnqueueRequest struct {
	Queue        string            `json:"queue"`
	Payload      json.RawMessage   `json:"payload"`
	Priority     string            `json:"priority,omitempty"`
	MaxRetries   *int              `json:"maxRetries,omitempty"`
	DelayMS      int64             `json:"delayMs,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RateLimitKey string            `json:"rateLimitKey,omitempty"`
}

// Validate checks the enqueue request.
func (r EnqueueRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Queue, validation.Required),
		validation.Field(&r.Payload, validation.Required),
		validation.Field(&r.Priority, validation.In("high", "normal", "low")),
	)
}

// CreateQueueRequest represents a queue creation request. Unset fields fall
// back to the server defaults.
type CreateQueueRequest struct {
	Name              string `json:"name"`
	DefaultPriority   string `json:"defaultPriority,omitempty"`
	MaxSize           *int   `json:"maxSize,omitempty"`
	BatchSize         *int   `json:"batchSize,omitempty"`
	MaxRetries        *int   `json:"maxRetries,omitempty"`
	RetryKind         string `json:"retryKind,omitempty"` // exponential, linear, fixed
	RetryBaseDelayMS  int64  `json:"retryBaseDelayMs,omitempty"`
	RetryMaxDelayMS   int64  `json:"retryMaxDelayMs,omitempty"`
	DeadLetterQueue   string `json:"deadLetterQueue,omitempty"`
	RateLimitEnabled  bool   `json:"rateLimitEnabled,omitempty"`
	RequestsPerSecond int    `json:"requestsPerSecond,omitempty"`
	RateLimitBurst    int    `json:"rateLimitBurst,omitempty"`
}

// Validate checks the queue creation request.
func (r CreateQueueRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.DefaultPriority, validation.In("high", "normal", "low")),
		validation.Field(&r.RetryKind, validation.In("exponential", "linear", "fixed")),
	)
}

// Config builds a queue configuration from the request over the defaults.
func (r CreateQueueRequest) Config() model.QueueConfig {
	cfg := model.DefaultQueueConfig()
	if r.DefaultPriority != "" {
		cfg.DefaultPriority = model.Priority(r.DefaultPriority)
	}
	if r.MaxSize != nil {
		cfg.MaxSize = *r.MaxSize
	}
	if r.BatchSize != nil {
		cfg.BatchSize = *r.BatchSize
	}
	if r.MaxRetries != nil {
		cfg.MaxRetries = *r.MaxRetries
	}
	if r.RetryKind != "" {
		cfg.Retry.Kind = retry.Kind(r.RetryKind)
	}
	if r.RetryBaseDelayMS > 0 {
		cfg.Retry.BaseDelay = time.Duration(r.RetryBaseDelayMS) * time.Millisecond
	}
	if r.RetryMaxDelayMS > 0 {
		cfg.Retry.MaxDelay = time.Duration(r.RetryMaxDelayMS) * time.Millisecond
	}
	if r.DeadLetterQueue != "" {
		cfg.DeadLetterQueue = r.DeadLetterQueue
	}
	if r.RateLimitEnabled {
		cfg.RateLimit = ratelimit.Config{
			Enabled:           true,
			RequestsPerSecond: r.RequestsPerSecond,
			Burst:             r.RateLimitBurst,
		}
	}
	return cfg
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandleEnqueue handles POST /api/v1/enqueue
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), dispatchq.ErrCodeValidation)
		return
	}

	opts := make([]dispatchq.EnqueueOption, 0, 4)
	if req.Priority != "" {
		opts = append(opts, dispatchq.WithPriority(model.Priority(req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, dispatchq.WithMaxRetries(*req.MaxRetries))
	}
	if req.DelayMS > 0 {
		opts = append(opts, dispatchq.WithDelay(time.Duration(req.DelayMS)*time.Millisecond))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, dispatchq.WithMetadata(model.Metadata(req.Metadata)))
	}
	if req.RateLimitKey != "" {
		opts = append(opts, dispatchq.WithRateLimitKey(req.RateLimitKey))
	}

	id, err := h.dispatcher.Enqueue(req.Queue, req.Payload, opts...)
	if err != nil {
		h.respondDispatchError(w, err, "Failed to enqueue message")
		return
	}

	h.respondSuccess(w, http.StatusCreated, map[string]string{"messageID": id}, "Message enqueued successfully")
}

// HandleCreateQueue handles POST /api/v1/queues
func (h *Handler) HandleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), dispatchq.ErrCodeValidation)
		return
	}

	if err := h.dispatcher.CreateQueue(req.Name, req.Config()); err != nil {
		h.respondDispatchError(w, err, "Failed to create queue")
		return
	}

	info, err := h.dispatcher.QueueInfo(req.Name)
	if err != nil {
		h.respondDispatchError(w, err, "Failed to read queue")
		return
	}
	h.respondSuccess(w, http.StatusCreated, info, "Queue created successfully")
}

// HandleListQueues handles GET /api/v1/queues
func (h *Handler) HandleListQueues(w http.ResponseWriter, r *http.Request) {
	h.respondSuccess(w, http.StatusOK, h.dispatcher.Queues(), "")
}

// HandleQueueInfo handles GET /api/v1/queues/{name}
func (h *Handler) HandleQueueInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.dispatcher.QueueInfo(chi.URLParam(r, "name"))
	if err != nil {
		h.respondDispatchError(w, err, "Failed to read queue")
		return
	}
	h.respondSuccess(w, http.StatusOK, info, "")
}

// HandleDeleteQueue handles DELETE /api/v1/queues/{name}
func (h *Handler) HandleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.DeleteQueue(chi.URLParam(r, "name")); err != nil {
		h.respondDispatchError(w, err, "Failed to delete queue")
		return
	}
	h.respondSuccess(w, http.StatusOK, nil, "Queue deleted successfully")
}

// HandlePauseQueue handles POST /api/v1/queues/{name}/pause
func (h *Handler) HandlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.PauseQueue(chi.URLParam(r, "name")); err != nil {
		h.respondDispatchError(w, err, "Failed to pause queue")
		return
	}
	h.respondSuccess(w, http.StatusOK, nil, "Queue paused")
}

// HandleResumeQueue handles POST /api/v1/queues/{name}/resume
func (h *Handler) HandleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.ResumeQueue(chi.URLParam(r, "name")); err != nil {
		h.respondDispatchError(w, err, "Failed to resume queue")
		return
	}
	h.respondSuccess(w, http.StatusOK, nil, "Queue resumed")
}

// HandleClearQueue handles POST /api/v1/queues/{name}/clear
func (h *Handler) HandleClearQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := h.dispatcher.ClearQueue(chi.URLParam(r, "name"))
	if err != nil {
		h.respondDispatchError(w, err, "Failed to clear queue")
		return
	}
	h.respondSuccess(w, http.StatusOK, map[string]int{"removed": removed}, "Queue cleared")
}

// HandleStats handles GET /api/v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.respondSuccess(w, http.StatusOK, map[string]interface{}{
		"global": h.dispatcher.Stats(),
		"queues": h.dispatcher.Queues(),
	}, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, "")
}

// respondDispatchError maps dispatcher sentinels to HTTP status codes.
func (h *Handler) respondDispatchError(w http.ResponseWriter, err error, fallback string) {
	var status int
	switch {
	case dispatchq.IsNoData(err):
		status = http.StatusNotFound
	case dispatchq.IsQueueFull(err), dispatchq.IsRateLimited(err):
		status = http.StatusTooManyRequests
	case errors.Is(err, dispatchq.ErrQueueExists), errors.Is(err, dispatchq.ErrQueueProcessing):
		status = http.StatusConflict
	default:
		var dqErr *dispatchq.Error
		if errors.As(err, &dqErr) && dqErr.Code == dispatchq.ErrCodeValidation {
			status = http.StatusBadRequest
		} else {
			h.logger.Errorf("%s: %v", fallback, err)
			h.respondError(w, http.StatusInternalServerError, fallback, "INTERNAL_ERROR")
			return
		}
	}

	var dqErr *dispatchq.Error
	code := ""
	if errors.As(err, &dqErr) {
		code = dqErr.Code
	}
	h.respondError(w, status, err.Error(), code)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code}); err != nil {
		h.logger.Errorf("Failed to encode error response: %v", err)
	}
}

func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := SuccessResponse{Success: true, Data: data, Message: message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Errorf("Failed to encode response: %v", err)
	}
}
