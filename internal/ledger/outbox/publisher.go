// Package outbox implements the outbox publisher: a claim -> publish
// -> settle loop with a per-record retry state machine. The publisher
// never holds a unit of work across the bus publish call — claim commits,
// publish runs transaction-free, settle opens its own new unit of work.
package outbox

import (
	"context"
	"time"

	"ledger/internal/common/logging"
	"ledger/internal/common/metrics"
	"ledger/internal/ledger/domain"
	"ledger/internal/ledger/transport"
)

// Config tunes the publisher loop.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	ClaimLease     time.Duration
	Retry          RetryPolicy
}

// DefaultConfig returns sane production defaults for the publisher loop.
func DefaultConfig() Config {
	return Config{
		PollInterval:   500 * time.Millisecond,
		BatchSize:      100,
		PublishTimeout: 10 * time.Second,
		ClaimLease:     60 * time.Second,
		Retry:          DefaultRetryPolicy(),
	}
}

// Publisher drives the outbox state machine for one worker instance.
// Run as many instances as needed; the claim primitive's SKIP LOCKED
// semantics (or the in-memory store's equivalent) partitions work safely
// across them.
type Publisher struct {
	store domain.Store
	bus   transport.EventBus
	cfg   Config
	nowFn func() time.Time
}

// New constructs a Publisher over the given store and bus.
func New(store domain.Store, bus transport.EventBus, cfg Config) *Publisher {
	return &Publisher{store: store, bus: bus, cfg: cfg, nowFn: time.Now}
}

// WithClock overrides the publisher's time source. Tests use it to step
// through retry schedules without sleeping past next_retry_at.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.nowFn = now
	return p
}

// Run executes the claim/publish/settle loop until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n := p.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// RunOnce claims one batch and drives every claimed record through
// publish and settle, returning the number of records claimed. Exported
// so tests and the publisher-recovery scenario can step the loop
// deterministically instead of waiting on the poll interval.
func (p *Publisher) RunOnce(ctx context.Context) int {
	now := p.nowFn()
	records, err := p.store.ClaimPendingOutbox(ctx, p.cfg.BatchSize, p.cfg.ClaimLease, now)
	if err != nil {
		logging.ErrorContext(ctx, "claiming outbox batch failed", "error", err)
		return 0
	}

	// Settle on a context detached from cancellation, so a shutdown lets the
	// claimed batch finish its publish/settle calls instead of leaving rows
	// in PROCESSING. Each publish stays bounded by PublishTimeout.
	settleCtx := context.WithoutCancel(ctx)
	for _, rec := range records {
		p.settleOne(settleCtx, rec)
	}

	p.reportBacklog(ctx)
	return len(records)
}

// reportBacklog refreshes the backlog depth and oldest-unpublished-age
// gauges after each batch. Best-effort: a failed probe never disturbs
// the claim/publish/settle cycle.
func (p *Publisher) reportBacklog(ctx context.Context) {
	count, oldest, err := p.store.OutboxBacklog(ctx)
	if err != nil {
		return
	}
	metrics.OutboxPendingEvents.Set(float64(count))
	if oldest != nil {
		metrics.OutboxOldestUnpublishedAge.Set(p.nowFn().Sub(*oldest).Seconds())
	} else {
		metrics.OutboxOldestUnpublishedAge.Set(0)
	}
}

// settleOne publishes a single claimed record and drives it to its next
// state: PUBLISHED on ack, or PENDING/FAILED per the retry policy on
// failure.
func (p *Publisher) settleOne(ctx context.Context, rec domain.OutboxRecord) {
	publishStart := time.Now()
	err := p.bus.Publish(ctx, rec.Topic, rec.AggregateID, rec.Payload, p.cfg.PublishTimeout)
	metrics.RecordOutboxPublishDuration(rec.Topic, time.Since(publishStart))

	if err == nil {
		if markErr := p.store.MarkOutboxPublished(ctx, rec.ID, p.nowFn()); markErr != nil {
			logging.ErrorContext(ctx, "marking outbox published failed", "outbox_id", rec.ID, "error", markErr)
			return
		}
		metrics.RecordOutboxPublished(rec.Topic)
		return
	}

	p.retryOrFail(ctx, rec, err)
}

// retryOrFail implements the backoff-with-jitter retry policy: mark
// FAILED (terminal) once the retry budget is exhausted, otherwise mark
// PENDING with a computed next-eligible timestamp.
func (p *Publisher) retryOrFail(ctx context.Context, rec domain.OutboxRecord, publishErr error) {
	n := rec.RetryCount + 1
	errMsg := domain.FormatLastError(publishErr)

	// The record's own retry budget is authoritative; the policy's cap is
	// the fallback for rows staged without one.
	maxRetries := rec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.Retry.MaxRetries
	}

	if n >= maxRetries {
		if err := p.store.MarkOutboxFailed(ctx, rec.ID, errMsg); err != nil {
			logging.ErrorContext(ctx, "marking outbox failed failed", "outbox_id", rec.ID, "error", err)
			return
		}
		metrics.RecordOutboxExhausted(rec.Topic)
		logging.WarnContext(ctx, "outbox record exhausted retries",
			"outbox_id", rec.ID, "aggregate_id", logging.MaskID(rec.AggregateID), "retry_count", n)
		return
	}

	delay := p.cfg.Retry.NextDelay(n)
	nextRetryAt := p.nowFn().Add(delay)
	if err := p.store.MarkOutboxRetry(ctx, rec.ID, n, nextRetryAt, errMsg); err != nil {
		logging.ErrorContext(ctx, "marking outbox retry failed", "outbox_id", rec.ID, "error", err)
		return
	}
	metrics.RecordOutboxRetry(rec.Topic)
}
