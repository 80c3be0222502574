package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/domain"
	"github.com/pulsefit/mailqueue/internal/pkg/distlock"
	"github.com/pulsefit/mailqueue/internal/pkg/logger"
	"github.com/pulsefit/mailqueue/internal/provider"
)

// Store is the queue persistence the processor drains. Claim moves a
// pending item to processing and reports whether this caller won the item;
// a false return means another drain (or a concurrent enqueue path) already
// took it and the item must be skipped, not failed.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]domain.QueueItem, error)
	Claim(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.QueueStatus, fields UpdateFields) error
	Stats(ctx context.Context) (map[string]int, error)
}

// UpdateFields carries the optional columns written alongside a status
// change. Nil pointers leave the column untouched.
type UpdateFields struct {
	RetryCount        *int
	NextRetryAt       *time.Time
	ClearNextRetry    bool
	ProviderMessageID string
	Provider          string
	ErrorMessage      string
}

// RunSummary reports one drain pass. Processed counts items this run
// claimed and resolved (Sent + Failed); Skipped counts items another run
// claimed first. Failed includes items parked for retry. Busy is set when
// the run did not start because another drain was in flight.
type RunSummary struct {
	Processed int      `json:"processed"`
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
	Busy      bool     `json:"busy"`
}

// Processor drains the email queue in single-flight batches: fetch due
// pending items oldest first, claim each, normalize, dispatch to a
// provider, and resolve the outcome. At most one RunOnce executes per
// Processor instance; an optional distributed lock extends the guarantee
// across processes.
type Processor struct {
	store      Store
	normalizer *Normalizer
	selector   *provider.Selector
	backoff    Backoff
	runLock    distlock.DistLock

	batchSize  int
	maxRetries int
	running    atomic.Bool
}

// NewProcessor wires a processor over the given store and providers.
// runLock may be nil for single-instance deployments.
func NewProcessor(store Store, normalizer *Normalizer, selector *provider.Selector, cfg config.QueueConfig, runLock distlock.DistLock) *Processor {
	batch := cfg.MaxBatchSize
	if batch <= 0 {
		batch = 50
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &Processor{
		store:      store,
		normalizer: normalizer,
		selector:   selector,
		backoff:    NewBackoff(cfg.BaseDelay(), cfg.MaxDelay()),
		runLock:    runLock,
		batchSize:  batch,
		maxRetries: retries,
	}
}

// RunOnce performs a single drain pass over the default batch size.
func (p *Processor) RunOnce(ctx context.Context) (*RunSummary, error) {
	return p.Run(ctx, 0)
}

// Run performs a single drain pass. batchSize <= 0 uses the configured
// default; larger requests are clamped to it. A concurrent call returns
// immediately with Busy set and touches nothing.
func (p *Processor) Run(ctx context.Context, batchSize int) (*RunSummary, error) {
	if batchSize <= 0 || batchSize > p.batchSize {
		batchSize = p.batchSize
	}
	if !p.running.CompareAndSwap(false, true) {
		return &RunSummary{Busy: true}, nil
	}
	defer p.running.Store(false)

	if p.runLock != nil {
		acquired, err := p.runLock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !acquired {
			logger.Info("queue drain lock held elsewhere, skipping run")
			return &RunSummary{Busy: true}, nil
		}
		defer func() {
			if relErr := p.runLock.Release(context.Background()); relErr != nil {
				logger.Warn("release run lock", "error", relErr.Error())
			}
		}()
	}

	items, err := p.store.FetchPending(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch pending queue items: %w", err)
	}

	summary := &RunSummary{}
	if len(items) == 0 {
		return summary, nil
	}
	logger.Info("queue drain started", "batch", len(items))

	for i := range items {
		item := &items[i]
		outcome, errMsg := p.processItem(ctx, item)
		switch outcome {
		case outcomeSent:
			summary.Processed++
			summary.Sent++
		case outcomeFailed:
			summary.Processed++
			summary.Failed++
			if errMsg != "" {
				summary.Errors = append(summary.Errors, fmt.Sprintf("item %s: %s", item.ID, errMsg))
			}
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	logger.Info("queue drain finished",
		"processed", summary.Processed,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped)
	return summary, nil
}

type itemOutcome int

const (
	outcomeSent itemOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// processItem claims and dispatches one item. A panic anywhere in the
// item's pipeline is recovered and resolved as a failure so one bad item
// cannot take down the batch.
func (p *Processor) processItem(ctx context.Context, item *domain.QueueItem) (outcome itemOutcome, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic processing queue item", "item_id", item.ID, "panic", fmt.Sprintf("%v", r))
			errMsg = fmt.Sprintf("panic: %v", r)
			p.resolveFailure(ctx, item, errMsg)
			outcome = outcomeFailed
		}
	}()

	claimed, err := p.store.Claim(ctx, item.ID)
	if err != nil {
		errMsg = fmt.Sprintf("claim: %v", err)
		logger.Error("claim queue item", "item_id", item.ID, "error", err.Error())
		return outcomeFailed, errMsg
	}
	if !claimed {
		logger.Debug("queue item already claimed", "item_id", item.ID)
		return outcomeSkipped, ""
	}

	msg, err := p.normalizer.Build(item)
	if err != nil {
		errMsg = err.Error()
		p.resolveFailure(ctx, item, errMsg)
		return outcomeFailed, errMsg
	}

	sender, err := p.selector.Pick(item.PreferredProvider)
	if err != nil {
		errMsg = err.Error()
		p.resolveFailure(ctx, item, errMsg)
		return outcomeFailed, errMsg
	}

	result, err := sender.Send(ctx, msg)
	if err != nil {
		errMsg = fmt.Sprintf("%s: %v", sender.Name(), err)
		p.resolveFailure(ctx, item, errMsg)
		return outcomeFailed, errMsg
	}
	if result == nil || !result.Success {
		errMsg = fmt.Sprintf("%s send rejected", sender.Name())
		if result != nil && result.Error != nil {
			errMsg = fmt.Sprintf("%s: %v", sender.Name(), result.Error)
		}
		p.resolveFailure(ctx, item, errMsg)
		return outcomeFailed, errMsg
	}

	p.resolveSuccess(ctx, item, result)
	return outcomeSent, ""
}

func (p *Processor) resolveSuccess(ctx context.Context, item *domain.QueueItem, result *domain.SendResult) {
	fields := UpdateFields{
		ProviderMessageID: result.MessageID,
		Provider:          result.Provider,
		ClearNextRetry:    true,
	}
	if err := p.store.UpdateStatus(ctx, item.ID, domain.StatusSent, fields); err != nil {
		logger.Error("mark queue item sent", "item_id", item.ID, "error", err.Error())
		return
	}
	logger.Info("queue item sent",
		"item_id", item.ID,
		"kind", string(item.Kind),
		"provider", result.Provider,
		"message_id", result.MessageID)
}

// resolveFailure bumps the retry count and either parks the item for a
// later attempt or marks it permanently failed once retries are exhausted.
func (p *Processor) resolveFailure(ctx context.Context, item *domain.QueueItem, errMsg string) {
	retries := item.MaxRetries
	if retries <= 0 {
		retries = p.maxRetries
	}
	newCount := item.RetryCount + 1

	if newCount < retries {
		nextRetry := p.backoff.NextRetryAt(time.Now().UTC(), newCount)
		fields := UpdateFields{
			RetryCount:   &newCount,
			NextRetryAt:  &nextRetry,
			ErrorMessage: errMsg,
		}
		if err := p.store.UpdateStatus(ctx, item.ID, domain.StatusPending, fields); err != nil {
			logger.Error("park queue item for retry", "item_id", item.ID, "error", err.Error())
			return
		}
		logger.Warn("queue item parked for retry",
			"item_id", item.ID,
			"retry_count", newCount,
			"next_retry_at", nextRetry.Format(time.RFC3339),
			"error", errMsg)
		return
	}

	fields := UpdateFields{
		RetryCount:     &newCount,
		ClearNextRetry: true,
		ErrorMessage:   errMsg,
	}
	if err := p.store.UpdateStatus(ctx, item.ID, domain.StatusFailed, fields); err != nil {
		logger.Error("mark queue item failed", "item_id", item.ID, "error", err.Error())
		return
	}
	logger.Error("queue item failed permanently",
		"item_id", item.ID,
		"kind", string(item.Kind),
		"retry_count", newCount,
		"error", errMsg)
}

// Stats returns the per-status queue counts from the store.
func (p *Processor) Stats(ctx context.Context) (map[string]int, error) {
	return p.store.Stats(ctx)
}
