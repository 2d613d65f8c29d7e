// Package redis provides a durable stoat.MessageScheduler on Redis.
//
// Each scheduled message is a msgpack record under "<prefix>msg:<token>" and
// a member of the sorted set "<prefix>due" scored by its delivery time in
// Unix milliseconds. Run moves due messages to the endpoint's transport.
// Removing a token from the sorted set claims it, so a cancelled message is
// never delivered and a claimed message is delivered by one runner only.
//
// A message that cannot be decoded, or that still fails after the maximum
// number of attempts, moves to the sorted set "<prefix>dead" with its record
// kept for inspection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultKeyPrefix is the key prefix used when none is configured.
const DefaultKeyPrefix = "stoat:scheduler:"

// DefaultMaxAttempts is the number of delivery attempts before a message is
// dead-lettered.
const DefaultMaxAttempts = 5

// record is the persisted form of a scheduled message.
type record struct {
	Token       string            `msgpack:"token"`
	Destination string            `msgpack:"destination,omitempty"`
	Publish     bool              `msgpack:"publish,omitempty"`
	MessageType string            `msgpack:"messageType"`
	Payload     []byte            `msgpack:"payload"`
	Headers     map[string]string `msgpack:"headers,omitempty"`
	DeliverAt   time.Time         `msgpack:"deliverAt"`
	Attempts    int               `msgpack:"attempts,omitempty"`
}

// Scheduler schedules messages in Redis and delivers them through a
// stoat.Transport when due.
type Scheduler struct {
	client       goredis.Cmdable
	transport    stoat.Transport
	serializer   stoat.Serializer
	logger       stoat.Logger
	now          func() time.Time
	prefix       string
	pollInterval time.Duration
	batchSize    int
	retryBackoff time.Duration
	recordTTL    time.Duration
	maxAttempts  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Scheduler) {
		s.prefix = prefix
	}
}

// WithSerializer sets the serializer for scheduled payloads. It must know
// every scheduled message type.
func WithSerializer(serializer stoat.Serializer) Option {
	return func(s *Scheduler) {
		s.serializer = serializer
	}
}

// WithLogger sets the logger.
func WithLogger(l stoat.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithPollInterval sets how often Run looks for due messages.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize sets the maximum number of messages delivered per poll.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRetryBackoff sets how long a message waits after a failed delivery.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		s.retryBackoff = d
	}
}

// WithMaxAttempts sets how many times delivery is attempted before the
// message is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRecordTTL sets how long records outlive their delivery time. Records of
// messages nobody delivers expire after it. Zero keeps them forever.
func WithRecordTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		s.recordTTL = d
	}
}

// New creates a Scheduler storing in client and delivering through transport.
func New(client goredis.Cmdable, transport stoat.Transport, opts ...Option) *Scheduler {
	s := &Scheduler{
		client:       client,
		transport:    transport,
		serializer:   stoat.NewJSONSerializer(),
		logger:       stoat.NopLogger(),
		now:          time.Now,
		prefix:       DefaultKeyPrefix,
		pollInterval: time.Second,
		batchSize:    100,
		retryBackoff: 5 * time.Second,
		maxAttempts:  DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) dueKey() string { return s.prefix + "due" }

func (s *Scheduler) deadKey() string { return s.prefix + "dead" }

func (s *Scheduler) recordKey(token string) string { return s.prefix + "msg:" + token }

// ScheduleSend delivers msg to this endpoint no earlier than at.
func (s *Scheduler) ScheduleSend(ctx context.Context, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	return s.schedule(ctx, "", false, at, msg, opts)
}

// ScheduleSendTo delivers msg to destination no earlier than at.
func (s *Scheduler) ScheduleSendTo(ctx context.Context, destination string, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	if destination == "" {
		return nil, fmt.Errorf("redis scheduler: %w: destination is required", stoat.ErrInvalidConfiguration)
	}
	return s.schedule(ctx, destination, false, at, msg, opts)
}

// SchedulePublish publishes msg no earlier than at.
func (s *Scheduler) SchedulePublish(ctx context.Context, at time.Time, msg interface{}, opts ...stoat.SendOption) (*stoat.ScheduledMessage, error) {
	return s.schedule(ctx, "", true, at, msg, opts)
}

func (s *Scheduler) schedule(ctx context.Context, destination string, publish bool, at time.Time, msg interface{}, opts []stoat.SendOption) (*stoat.ScheduledMessage, error) {
	if msg == nil {
		return nil, stoat.ErrNilMessage
	}
	payload, err := s.serializer.Serialize(msg)
	if err != nil {
		return nil, err
	}

	token := uuid.New()
	headers := stoat.BuildOptions(opts...).Headers()
	headers[stoat.HeaderSchedulingTokenID] = token.String()

	rec := &record{
		Token:       token.String(),
		Destination: destination,
		Publish:     publish,
		MessageType: stoat.MessageTypeOf(msg),
		Payload:     payload,
		Headers:     map[string]string(headers),
		DeliverAt:   at.UTC(),
	}
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Debug("Scheduled message",
		"messageType", rec.MessageType,
		"token", rec.Token,
		"at", at)

	return &stoat.ScheduledMessage{
		TokenID:       token,
		ScheduledTime: at,
		PayloadType:   rec.MessageType,
		Payload:       msg,
		Destination:   destination,
	}, nil
}

func (s *Scheduler) save(ctx context.Context, rec *record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis scheduler: failed to encode record: %w", err)
	}

	var ttl time.Duration
	if s.recordTTL > 0 {
		ttl = rec.DeliverAt.Sub(s.now()) + s.recordTTL
		if ttl < s.recordTTL {
			ttl = s.recordTTL
		}
	}
	if err := s.client.Set(ctx, s.recordKey(rec.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis scheduler: failed to store record: %w", err)
	}
	score := float64(rec.DeliverAt.UnixMilli())
	if err := s.client.ZAdd(ctx, s.dueKey(), goredis.Z{Score: score, Member: rec.Token}).Err(); err != nil {
		return fmt.Errorf("redis scheduler: failed to index record: %w", err)
	}
	return nil
}

// CancelScheduledSend removes a scheduled message. Cancelling a token that
// was already delivered or cancelled does nothing.
func (s *Scheduler) CancelScheduledSend(ctx context.Context, tokenID uuid.UUID) error {
	token := tokenID.String()
	removed, err := s.client.ZRem(ctx, s.dueKey(), token).Result()
	if err != nil {
		return fmt.Errorf("redis scheduler: failed to cancel %s: %w", token, err)
	}
	if removed == 0 {
		return nil
	}
	if err := s.client.Del(ctx, s.recordKey(token)).Err(); err != nil {
		return fmt.Errorf("redis scheduler: failed to delete %s: %w", token, err)
	}
	s.logger.Debug("Cancelled scheduled message", "token", token)
	return nil
}

// CancelScheduledPublish removes a scheduled publish.
func (s *Scheduler) CancelScheduledPublish(ctx context.Context, tokenID uuid.UUID) error {
	return s.CancelScheduledSend(ctx, tokenID)
}

// Guarantee reports CancellationGuaranteed.
func (s *Scheduler) Guarantee() stoat.CancellationGuarantee {
	return stoat.CancellationGuaranteed
}

// Pending returns the number of messages waiting for delivery.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.dueKey()).Result()
}

// DeadLettered returns the number of messages that gave up on delivery.
func (s *Scheduler) DeadLettered(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.deadKey()).Result()
}

// DeliverDue delivers up to the batch size of due messages and returns how
// many were delivered. A failed message is rescheduled after the retry backoff.
func (s *Scheduler) DeliverDue(ctx context.Context) (int, error) {
	now := s.now()
	tokens, err := s.client.ZRangeByScore(ctx, s.dueKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(s.batchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scheduler: failed to fetch due messages: %w", err)
	}

	delivered := 0
	for _, token := range tokens {
		claimed, err := s.client.ZRem(ctx, s.dueKey(), token).Result()
		if err != nil {
			return delivered, fmt.Errorf("redis scheduler: failed to claim %s: %w", token, err)
		}
		if claimed == 0 {
			continue
		}
		if s.deliver(ctx, token) {
			delivered++
		}
	}
	return delivered, nil
}

func (s *Scheduler) deliver(ctx context.Context, token string) bool {
	data, err := s.client.Get(ctx, s.recordKey(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		s.logger.Warn("Scheduled message record missing", "token", token)
		return false
	}
	if err != nil {
		s.logger.Error("Failed to load scheduled message", "token", token, "error", err)
		s.requeue(ctx, token, s.now().Add(s.retryBackoff))
		return false
	}

	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		s.logger.Error("Dropping undecodable scheduled message", "token", token, "error", err)
		_ = s.client.Del(ctx, s.recordKey(token)).Err()
		return false
	}

	if err := s.send(ctx, &rec); err != nil {
		rec.Attempts++
		if permanent(err) || rec.Attempts >= s.maxAttempts {
			s.logger.Error("Dead-lettering scheduled message",
				"token", token,
				"messageType", rec.MessageType,
				"attempts", rec.Attempts,
				"error", err)
			s.deadLetter(ctx, token)
			return false
		}
		rec.DeliverAt = s.now().Add(s.retryBackoff).UTC()
		s.logger.Warn("Scheduled delivery failed",
			"token", token,
			"messageType", rec.MessageType,
			"attempts", rec.Attempts,
			"error", err)
		if serr := s.save(ctx, &rec); serr != nil {
			s.logger.Error("Failed to reschedule message", "token", token, "error", serr)
		}
		return false
	}

	if err := s.client.Del(ctx, s.recordKey(token)).Err(); err != nil {
		s.logger.Warn("Failed to delete delivered record", "token", token, "error", err)
	}
	s.logger.Debug("Delivered scheduled message", "token", token, "messageType", rec.MessageType)
	return true
}

// permanent reports errors that no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, stoat.ErrSerializationFailed) || errors.Is(err, stoat.ErrMessageTypeNotRegistered)
}

// deadLetter parks a claimed token in the dead set. Its record stays.
func (s *Scheduler) deadLetter(ctx context.Context, token string) {
	z := goredis.Z{Score: float64(s.now().UnixMilli()), Member: token}
	if err := s.client.ZAdd(ctx, s.deadKey(), z).Err(); err != nil {
		s.logger.Error("Failed to dead-letter scheduled message", "token", token, "error", err)
	}
}

func (s *Scheduler) requeue(ctx context.Context, token string, at time.Time) {
	z := goredis.Z{Score: float64(at.UnixMilli()), Member: token}
	if err := s.client.ZAdd(ctx, s.dueKey(), z).Err(); err != nil {
		s.logger.Error("Failed to requeue scheduled message", "token", token, "error", err)
	}
}

func (s *Scheduler) send(ctx context.Context, rec *record) error {
	if s.transport == nil {
		return stoat.ErrTransportNotConfigured
	}
	msg, err := s.serializer.Deserialize(rec.Payload, rec.MessageType)
	if err != nil {
		return err
	}

	opts := stoat.NewOptions()
	for k, v := range rec.Headers {
		opts.SetHeader(k, v)
	}
	switch {
	case rec.Publish:
		return s.transport.Publish(ctx, msg, opts)
	case rec.Destination != "":
		opts.SetDestination(rec.Destination)
	default:
		opts.RouteToThisEndpoint()
	}
	return s.transport.Send(ctx, msg, opts)
}

// Start runs the delivery loop in the background until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("redis scheduler: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
	return nil
}

// Stop stops the delivery loop and waits for it to exit or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers due messages every poll interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := s.DeliverDue(ctx)
			if err != nil {
				s.logger.Error("Scheduler poll failed", "error", err)
				break
			}
			if n < s.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var _ stoat.MessageScheduler = (*Scheduler)(nil)
