package stoat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProcessorOption configures an OutboxProcessor.
type ProcessorOption func(*OutboxProcessor)

// WithBatchSize caps how many due messages one pass fetches.
func WithBatchSize(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets how often the store is checked for messages that
// became due, such as a deferred send or a request timeout reaching its
// scheduled time.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxRetries sets how many failed deliveries a message gets before it
// is dead-lettered.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBackoff sets how long failed messages wait before they are
// returned to pending.
func WithRetryBackoff(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

// WithCleanupInterval sets how often delivered messages are purged.
func WithCleanupInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithCleanupAge sets how long delivered messages are kept.
func WithCleanupAge(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupAge = d
		}
	}
}

// WithPublisher routes destinations with the publisher's prefix to it.
// A later publisher for the same prefix replaces an earlier one.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.publishers[publisher.Destination()] = publisher
	}
}

// WithOutboxMetrics reports delivery outcomes to metrics.
func WithOutboxMetrics(metrics OutboxMetrics) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.metrics = metrics
	}
}

// WithProcessorLogger sets the processor's logger.
func WithProcessorLogger(logger Logger) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.logger = logger
	}
}

// OutboxProcessor delivers due outbox messages through the publisher
// registered for their destination prefix. Messages scheduled for later,
// such as deferred sends and saga timeouts, stay in the store until their
// time comes and are picked up by the next poll after that.
//
// A running processor also returns failed messages to pending every retry
// backoff, dead-letters those out of attempts and purges old deliveries.
type OutboxProcessor struct {
	store      OutboxStore
	publishers map[string]Publisher
	metrics    OutboxMetrics
	logger     Logger

	batchSize       int
	pollInterval    time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	cleanupAge      time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewOutboxProcessor returns a processor over store. It delivers nothing
// until publishers are registered with WithPublisher.
func NewOutboxProcessor(store OutboxStore, opts ...ProcessorOption) *OutboxProcessor {
	p := &OutboxProcessor{
		store:           store,
		publishers:      make(map[string]Publisher),
		metrics:         &noopOutboxMetrics{},
		logger:          &noopLogger{},
		batchSize:       100,
		pollInterval:    time.Second,
		maxRetries:      5,
		retryBackoff:    5 * time.Second,
		cleanupInterval: time.Hour,
		cleanupAge:      7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs the delivery loop in the background until Stop is called or
// ctx is cancelled.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrOutboxProcessorRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go func() {
		defer close(p.done)
		p.run(ctx)
	}()

	p.logger.Info("Outbox processor started", "publishers", len(p.publishers))
	return nil
}

// Stop cancels the delivery loop and waits for the batch in flight to
// finish, or for ctx to expire. Stopping an idle processor is a no-op.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		p.logger.Info("Outbox processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether Start has been called without a matching Stop.
func (p *OutboxProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxProcessor) run(ctx context.Context) {
	poll := time.NewTicker(p.pollInterval)
	defer poll.Stop()
	retry := time.NewTicker(p.retryBackoff)
	defer retry.Stop()
	cleanup := time.NewTicker(p.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			p.deliverDue(ctx)
		case <-retry.C:
			p.runMaintenance(ctx)
		case <-cleanup.C:
			p.runCleanup(ctx)
		}
	}
}

// deliverDue keeps fetching while full batches are delivered, so a backlog
// of timeouts that fell due together is not spread over several polls.
func (p *OutboxProcessor) deliverDue(ctx context.Context) {
	for ctx.Err() == nil {
		messages, err := p.store.FetchPending(ctx, p.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("Outbox poll failed", "error", err)
			}
			return
		}
		if p.deliver(ctx, messages, time.Now()) == 0 || len(messages) < p.batchSize {
			return
		}
	}
}

// ProcessOnce delivers one batch of due messages and returns how many were
// handed to a publisher successfully.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) (int, error) {
	start := time.Now()
	messages, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("stoat: failed to fetch pending messages: %w", err)
	}
	return p.deliver(ctx, messages, start), nil
}

// Drain processes batches until none are due or ctx is done.
func (p *OutboxProcessor) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.ProcessOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// deliver groups messages by destination prefix, keeping first-seen order,
// and publishes each group.
func (p *OutboxProcessor) deliver(ctx context.Context, messages []*OutboxMessage, start time.Time) int {
	p.metrics.RecordPendingMessages(int64(len(messages)))
	if len(messages) == 0 {
		return 0
	}

	grouped := make(map[string][]*OutboxMessage)
	var prefixes []string
	for _, msg := range messages {
		prefix := destinationPrefix(msg.Destination)
		if _, ok := grouped[prefix]; !ok {
			prefixes = append(prefixes, prefix)
		}
		grouped[prefix] = append(grouped[prefix], msg)
	}

	delivered := 0
	for _, prefix := range prefixes {
		delivered += p.publishGroup(ctx, prefix, grouped[prefix])
	}

	p.metrics.RecordBatchDuration(time.Since(start))
	return delivered
}

// publishGroup hands msgs to the publisher of prefix and records the outcome.
func (p *OutboxProcessor) publishGroup(ctx context.Context, prefix string, msgs []*OutboxMessage) int {
	publisher, ok := p.publishers[prefix]
	if !ok {
		for _, msg := range msgs {
			p.logger.Error("No publisher for destination", "destination", msg.Destination, "prefix", prefix)
			p.fail(ctx, msg, fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix))
		}
		return 0
	}

	if err := publisher.Publish(ctx, msgs); err != nil {
		p.logger.Warn("Outbox publish failed", "prefix", prefix, "count", len(msgs), "error", err)
		for _, msg := range msgs {
			p.metrics.RecordMessageProcessed(msg.Destination, false)
			p.fail(ctx, msg, err)
		}
		return 0
	}

	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
		p.metrics.RecordMessageProcessed(msg.Destination, true)
	}
	if err := p.store.MarkCompleted(ctx, ids); err != nil {
		p.logger.Error("Failed to mark messages as completed", "error", err)
	}
	return len(msgs)
}

func (p *OutboxProcessor) fail(ctx context.Context, msg *OutboxMessage, cause error) {
	if err := p.store.MarkFailed(ctx, msg.ID, cause); err != nil {
		p.logger.Error("Failed to mark message as failed", "id", msg.ID, "error", err)
	}
	p.metrics.RecordMessageFailed(msg.Destination)
}

// runMaintenance returns retryable failures to pending and dead-letters
// messages with no attempts left.
func (p *OutboxProcessor) runMaintenance(ctx context.Context) {
	retried, err := p.store.RetryFailed(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("Failed to retry failed messages", "error", err)
	} else if retried > 0 {
		p.logger.Info("Retried failed outbox messages", "count", retried)
	}

	deadLettered, err := p.store.MoveToDeadLetter(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("Failed to move messages to dead letter", "error", err)
	} else if deadLettered > 0 {
		p.logger.Warn("Moved outbox messages to dead letter", "count", deadLettered)
		for i := int64(0); i < deadLettered; i++ {
			p.metrics.RecordMessageDeadLettered()
		}
	}
}

// runCleanup purges deliveries older than the cleanup age.
func (p *OutboxProcessor) runCleanup(ctx context.Context) {
	cleaned, err := p.store.Cleanup(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("Failed to cleanup completed messages", "error", err)
	} else if cleaned > 0 {
		p.logger.Info("Cleaned up completed outbox messages", "count", cleaned)
	}
}

// destinationPrefix returns the publisher key of a destination:
// "webhook:https://example.com/hook" routes to "webhook".
func destinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[:idx]
	}
	return destination
}
