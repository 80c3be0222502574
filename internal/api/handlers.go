package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pulsefit/mailqueue/internal/domain"
	"github.com/pulsefit/mailqueue/internal/pkg/httputil"
	"github.com/pulsefit/mailqueue/internal/processor"
)

// QueueRunner is the processor surface the API drives.
type QueueRunner interface {
	Run(ctx context.Context, batchSize int) (*processor.RunSummary, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// Enqueuer accepts new queue items from the API.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *domain.QueueItem) (string, error)
}

// Handlers holds the HTTP handlers for the queue endpoints.
type Handlers struct {
	runner QueueRunner
	queue  Enqueuer
}

// NewHandlers creates the handler set.
func NewHandlers(runner QueueRunner, queue Enqueuer) *Handlers {
	return &Handlers{runner: runner, queue: queue}
}

type processRequest struct {
	BatchSize int `json:"batch_size"`
}

type processResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Busy    bool                  `json:"busy"`
	Results *processor.RunSummary `json:"results"`
}

// ProcessQueue triggers one drain pass and returns its summary. The body is
// optional; {"batch_size": n} caps this run below the configured default.
// When a drain is already in flight the response comes back immediately
// with busy set and nothing processed.
func (h *Handlers) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if r.ContentLength > 0 {
		if !httputil.Decode(w, r, &req) {
			return
		}
	}

	summary, err := h.runner.Run(r.Context(), req.BatchSize)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	resp := processResponse{
		Success: true,
		Busy:    summary.Busy,
		Results: summary,
	}
	if summary.Busy {
		resp.Message = "queue drain already in progress"
	} else {
		resp.Message = fmt.Sprintf("processed %d items (%d sent, %d failed, %d skipped)",
			summary.Processed, summary.Sent, summary.Failed, summary.Skipped)
	}
	httputil.OK(w, resp)
}

// GetQueueStats returns per-status item counts.
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runner.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"stats": stats})
}

type enqueueRequest struct {
	ToEmail           string                 `json:"to_email"`
	Kind              string                 `json:"kind"`
	Metadata          map[string]interface{} `json:"metadata"`
	Subject           string                 `json:"subject"`
	HTMLBody          string                 `json:"html_body"`
	TextBody          string                 `json:"text_body"`
	PreferredProvider string                 `json:"preferred_provider"`
	MaxRetries        int                    `json:"max_retries"`
}

// EnqueueItem inserts a new pending email into the queue. The item is not
// sent here; the next drain picks it up.
func (h *Handlers) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ToEmail) == "" || !strings.Contains(req.ToEmail, "@") {
		httputil.BadRequest(w, "to_email is required")
		return
	}
	if req.Kind == "" {
		httputil.BadRequest(w, "kind is required")
		return
	}

	item := &domain.QueueItem{
		ToEmail:           strings.TrimSpace(req.ToEmail),
		Kind:              domain.EmailKind(req.Kind),
		Metadata:          req.Metadata,
		Subject:           req.Subject,
		HTMLBody:          req.HTMLBody,
		TextBody:          req.TextBody,
		PreferredProvider: req.PreferredProvider,
		MaxRetries:        req.MaxRetries,
	}
	id, err := h.queue.Enqueue(r.Context(), item)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"id": id, "status": string(domain.StatusPending)})
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
