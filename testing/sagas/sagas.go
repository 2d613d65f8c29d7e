// Package sagas provides a given-when-then fixture for state machine sagas.
// Messages go through a real dispatcher backed by an in-memory saga store,
// a recording transport, a fake scheduler and a manual clock, so tests
// exercise correlation, persistence, timeouts and schedules together.
package sagas

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/testing/assertions"
	"github.com/AshkanYarmoradi/go-stoat/testing/testutil"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// Option configures a Fixture.
type Option func(*settings)

type settings struct {
	clock      *testutil.Clock
	scheduler  []testutil.FakeSchedulerOption
	serializer stoat.Serializer
	codec      stoat.InstanceCodec
	errorQueue string
	middleware []stoat.Middleware
	handlers   map[string]stoat.HandlerFunc
}

// WithClock uses c instead of a clock started at testutil.Epoch.
func WithClock(c *testutil.Clock) Option {
	return func(s *settings) {
		s.clock = c
	}
}

// WithSchedulerGuarantee sets the cancellation guarantee of the fake scheduler.
func WithSchedulerGuarantee(g stoat.CancellationGuarantee) Option {
	return func(s *settings) {
		s.scheduler = append(s.scheduler, testutil.WithGuarantee(g))
	}
}

// WithSerializer sets the dispatcher serializer, for envelopes carrying a body.
func WithSerializer(serializer stoat.Serializer) Option {
	return func(s *settings) {
		s.serializer = serializer
	}
}

// WithInstanceCodec sets the codec instances are persisted with.
func WithInstanceCodec(c stoat.InstanceCodec) Option {
	return func(s *settings) {
		s.codec = c
	}
}

// WithErrorQueue sets the dispatcher error queue.
func WithErrorQueue(destination string) Option {
	return func(s *settings) {
		s.errorQueue = destination
	}
}

// WithMiddleware adds dispatcher middleware.
func WithMiddleware(mw ...stoat.Middleware) Option {
	return func(s *settings) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithHandler registers a plain handler next to the saga.
func WithHandler(messageType string, h stoat.HandlerFunc) Option {
	return func(s *settings) {
		if s.handlers == nil {
			s.handlers = make(map[string]stoat.HandlerFunc)
		}
		s.handlers[messageType] = h
	}
}

// pending is a deferred delivery waiting for the clock.
type pending struct {
	at      time.Time
	env     *stoat.Envelope
	publish bool
	to      string
}

// Fixture drives one saga type through a dispatcher.
type Fixture[S stoat.Instance] struct {
	t          TB
	ctx        context.Context
	name       string
	engine     *stoat.Engine[S]
	dispatcher *stoat.Dispatcher
	store      *memory.SagaStore
	transport  *testutil.RecordingTransport
	scheduler  *testutil.FakeScheduler
	clock      *testutil.Clock
	logger     *testutil.RecordingLogger
	codec      stoat.InstanceCodec
	factory    func() S

	timeouts  []testutil.Record
	requested []testutil.Record
	sagaID    string
	err       error
}

// Test builds a fixture for sm. It fails the test when the machine is
// misconfigured.
func Test[S stoat.Instance](t TB, sm *stoat.StateMachine[S], factory func() S, opts ...Option) *Fixture[S] {
	t.Helper()

	cfg := settings{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = testutil.NewClock(time.Time{})
	}
	if cfg.codec == nil {
		cfg.codec = stoat.JSONCodec{}
	}

	f := &Fixture[S]{
		t:         t,
		ctx:       context.Background(),
		name:      sm.Name(),
		store:     memory.NewSagaStore(memory.WithSagaClock(cfg.clock.Now)),
		transport: testutil.NewRecordingTransport(testutil.WithTransportClock(cfg.clock.Now)),
		scheduler: testutil.NewFakeScheduler(cfg.scheduler...),
		clock:     cfg.clock,
		logger:    testutil.NewRecordingLogger(),
		codec:     cfg.codec,
		factory:   factory,
	}

	engine, err := stoat.NewEngine(sm,
		stoat.WithScheduler(f.scheduler),
		stoat.WithEngineLogger(f.logger),
		stoat.WithEngineClock(f.clock.Now))
	if err != nil {
		t.Fatalf("Invalid state machine %s: %v", sm.Name(), err)
		return f
	}
	f.engine = engine

	dopts := []stoat.DispatcherOption{
		stoat.WithSagaStore(f.store),
		stoat.WithTransport(f.transport),
		stoat.WithDispatcherLogger(f.logger),
		stoat.WithDispatcherClock(f.clock.Now),
		stoat.WithInstanceCodec(f.codec),
		stoat.WithMiddleware(cfg.middleware...),
	}
	if cfg.serializer != nil {
		dopts = append(dopts, stoat.WithSerializer(cfg.serializer))
	}
	if cfg.errorQueue != "" {
		dopts = append(dopts, stoat.WithErrorQueue(cfg.errorQueue))
	}
	f.dispatcher = stoat.NewDispatcher(dopts...)

	if err := stoat.Register(f.dispatcher, engine, factory); err != nil {
		t.Fatalf("Failed to register saga %s: %v", sm.Name(), err)
		return f
	}
	for messageType, h := range cfg.handlers {
		f.dispatcher.Handle(messageType, h)
	}
	return f
}

// WithContext sets the context messages are dispatched with.
func (f *Fixture[S]) WithContext(ctx context.Context) *Fixture[S] {
	f.ctx = ctx
	return f
}

// Given dispatches msgs as history. Any failure fails the test. Recorded
// outgoing messages are cleared afterwards; pending timeouts and schedules
// are kept.
func (f *Fixture[S]) Given(msgs ...interface{}) *Fixture[S] {
	f.t.Helper()

	for _, msg := range msgs {
		if err := f.dispatch(stoat.NewEnvelope(msg, nil)); err != nil {
			f.t.Fatalf("Given %s failed: %v", stoat.MessageTypeOf(msg), err)
			return f
		}
	}
	f.transport.Reset()
	f.requested = nil
	f.err = nil
	return f
}

// When dispatches msg and keeps its error for ThenError.
func (f *Fixture[S]) When(msg interface{}) *Fixture[S] {
	return f.WhenEnvelope(stoat.NewEnvelope(msg, nil))
}

// WhenEnvelope dispatches env and keeps its error for ThenError.
func (f *Fixture[S]) WhenEnvelope(env *stoat.Envelope) *Fixture[S] {
	f.err = f.dispatch(env)
	return f
}

// WhenTimeElapses advances the clock by d and delivers every timeout and
// scheduled message that became due, in delivery order. Scheduled messages
// for other destinations are recorded as sent or published.
func (f *Fixture[S]) WhenTimeElapses(d time.Duration) *Fixture[S] {
	f.clock.Advance(d)
	f.err = nil

	for {
		due := f.takeDue(f.clock.Now())
		if len(due) == 0 {
			return f
		}
		for _, p := range due {
			if err := f.deliver(p); err != nil {
				f.err = err
				return f
			}
		}
	}
}

func (f *Fixture[S]) deliver(p pending) error {
	switch {
	case p.publish:
		return f.transport.Publish(f.ctx, p.env.Message, optionsFrom(p.env.Headers))
	case p.to != "":
		opts := optionsFrom(p.env.Headers)
		opts.SetDestination(p.to)
		return f.transport.Send(f.ctx, p.env.Message, opts)
	default:
		return f.dispatch(p.env)
	}
}

func optionsFrom(h stoat.Headers) *stoat.Options {
	opts := stoat.NewOptions()
	for k, v := range h {
		opts.SetHeader(k, v)
	}
	return opts
}

func (f *Fixture[S]) takeDue(now time.Time) []pending {
	var due []pending

	kept := f.timeouts[:0]
	for _, r := range f.timeouts {
		if r.DeliverAt.After(now) {
			kept = append(kept, r)
			continue
		}
		due = append(due, pending{at: r.DeliverAt, env: r.Envelope()})
	}
	f.timeouts = kept

	for _, e := range f.scheduler.TakeDue(now) {
		due = append(due, pending{at: e.At, env: e.Envelope(), publish: e.Publish, to: e.Destination})
	}

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due
}

// dispatch runs env through the dispatcher and tracks the instance it touched.
func (f *Fixture[S]) dispatch(env *stoat.Envelope) error {
	before := f.versions()
	err := f.dispatcher.Receive(f.ctx, env)

	for id, version := range f.versions() {
		if before[id] != version {
			f.sagaID = id
		}
	}

	deferred := f.transport.TakeDeferred()
	f.timeouts = append(f.timeouts, deferred...)
	f.requested = append(f.requested, deferred...)
	return err
}

func (f *Fixture[S]) versions() map[string]int64 {
	states, err := f.store.FindByType(f.ctx, f.name)
	if err != nil {
		f.t.Fatalf("Failed to list %s instances: %v", f.name, err)
		return nil
	}
	out := make(map[string]int64, len(states))
	for _, s := range states {
		out[s.ID] = s.Version
	}
	return out
}

// =============================================================================
// Assertions
// =============================================================================

// ThenNoError asserts that the last message was handled.
func (f *Fixture[S]) ThenNoError() *Fixture[S] {
	f.t.Helper()

	if f.err != nil {
		f.t.Errorf("Expected success, got error: %v", f.err)
	}
	return f
}

// ThenError asserts that handling the last message failed with an error
// matching expected. A nil expected accepts any error.
func (f *Fixture[S]) ThenError(expected error) *Fixture[S] {
	f.t.Helper()

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
		return f
	}
	if expected != nil && !errors.Is(f.err, expected) {
		f.t.Errorf("Expected error %v, got %v", expected, f.err)
	}
	return f
}

// ThenState asserts the current state of the last touched instance.
func (f *Fixture[S]) ThenState(expected string) *Fixture[S] {
	f.t.Helper()

	state := f.state()
	if state == nil {
		return f
	}
	if state.CurrentState != expected {
		f.t.Errorf("State mismatch:\nExpected: %s\nActual: %s", expected, state.CurrentState)
	}
	return f
}

// ThenCompleted asserts that the last touched instance completed.
func (f *Fixture[S]) ThenCompleted() *Fixture[S] {
	f.t.Helper()

	state := f.state()
	if state != nil && state.Status != adapters.SagaStatusCompleted {
		f.t.Errorf("Expected saga to be complete, but it is %s", state.Status)
	}
	return f
}

// ThenNotCompleted asserts that the last touched instance is still running.
func (f *Fixture[S]) ThenNotCompleted() *Fixture[S] {
	f.t.Helper()

	state := f.state()
	if state != nil && state.Status == adapters.SagaStatusCompleted {
		f.t.Error("Expected saga to not be complete, but it is")
	}
	return f
}

// ThenNoSaga asserts that no instance of the saga exists.
func (f *Fixture[S]) ThenNoSaga() *Fixture[S] {
	f.t.Helper()

	if n := len(f.versions()); n > 0 {
		f.t.Errorf("Expected no saga instance, got %d", n)
	}
	return f
}

// ThenInstance decodes the last touched instance and hands it to check.
func (f *Fixture[S]) ThenInstance(check func(S)) *Fixture[S] {
	f.t.Helper()

	if inst, ok := f.instance(); ok {
		check(inst)
	}
	return f
}

// ThenSent asserts the messages sent since the last Given, in order.
// Timeout requests are not included, see ThenTimeoutRequested.
func (f *Fixture[S]) ThenSent(expected ...interface{}) *Fixture[S] {
	f.t.Helper()
	f.assertMessages("sent", f.transport.Sent(), expected)
	return f
}

// ThenSentTo asserts that msg was sent to destination.
func (f *Fixture[S]) ThenSentTo(destination string, msg interface{}) *Fixture[S] {
	f.t.Helper()

	for _, r := range f.transport.Sent() {
		if r.Destination == destination && reflect.DeepEqual(r.Message, msg) {
			return f
		}
	}
	f.t.Errorf("Expected %+v to be sent to %s", msg, destination)
	return f
}

// ThenPublished asserts the messages published since the last Given, in order.
func (f *Fixture[S]) ThenPublished(expected ...interface{}) *Fixture[S] {
	f.t.Helper()
	f.assertMessages("published", f.transport.Published(), expected)
	return f
}

// ThenForwarded asserts that the inbound message was forwarded to destination.
func (f *Fixture[S]) ThenForwarded(destination string) *Fixture[S] {
	f.t.Helper()

	for _, r := range f.transport.Forwarded() {
		if r.Destination == destination {
			return f
		}
	}
	f.t.Errorf("Expected a message forwarded to %s", destination)
	return f
}

// ThenNothingSent asserts that no message was sent, published or forwarded.
func (f *Fixture[S]) ThenNothingSent() *Fixture[S] {
	f.t.Helper()

	if all := f.transport.All(); len(all) > 0 {
		f.t.Errorf("Expected no outgoing messages, got %d: %+v", len(all), assertions.Messages(all))
	}
	return f
}

// ThenTimeoutRequested asserts that msg was requested as a timeout delivered
// after delay, measured from the current clock.
func (f *Fixture[S]) ThenTimeoutRequested(msg interface{}, delay time.Duration) *Fixture[S] {
	f.t.Helper()

	at := f.clock.Now().Add(delay)
	for _, r := range f.requested {
		if reflect.DeepEqual(r.Message, msg) {
			if !r.DeliverAt.Equal(at) {
				f.t.Errorf("Timeout %+v due at %s, expected %s", msg, r.DeliverAt, at)
			}
			return f
		}
	}
	f.t.Errorf("Expected timeout %+v to be requested", msg)
	return f
}

// ThenScheduled asserts that msg is pending on the scheduler.
func (f *Fixture[S]) ThenScheduled(msg interface{}) *Fixture[S] {
	f.t.Helper()

	for _, e := range f.scheduler.Pending() {
		if reflect.DeepEqual(e.Message, msg) {
			return f
		}
	}
	f.t.Errorf("Expected %+v to be scheduled", msg)
	return f
}

// ThenNotScheduled asserts that msg is not pending on the scheduler.
func (f *Fixture[S]) ThenNotScheduled(msg interface{}) *Fixture[S] {
	f.t.Helper()

	for _, e := range f.scheduler.Pending() {
		if reflect.DeepEqual(e.Message, msg) {
			f.t.Errorf("Expected %+v not to be scheduled, it is due at %s", msg, e.At)
			return f
		}
	}
	return f
}

func (f *Fixture[S]) assertMessages(kind string, records []testutil.Record, expected []interface{}) {
	f.t.Helper()

	if f.err != nil {
		f.t.Fatalf("Saga returned error: %v", f.err)
		return
	}
	if len(records) != len(expected) {
		f.t.Fatalf("Expected %d %s messages, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), kind, len(records), expected, assertions.Messages(records))
		return
	}
	if diffs := assertions.DiffMessages(expected, assertions.Messages(records)); len(diffs) > 0 {
		f.t.Errorf("%s messages differ.\n%s", kind, assertions.FormatDiffs(diffs))
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Instance decodes the last touched instance. The bool is false when no
// instance was touched yet.
func (f *Fixture[S]) Instance() (S, bool) {
	return f.instance()
}

func (f *Fixture[S]) instance() (S, bool) {
	f.t.Helper()

	var zero S
	state := f.state()
	if state == nil {
		return zero, false
	}
	inst := f.factory()
	if len(state.Data) > 0 {
		if err := f.codec.Unmarshal(state.Data, inst); err != nil {
			f.t.Fatalf("Failed to decode saga %s: %v", state.ID, err)
			return zero, false
		}
	}
	inst.SetSagaID(state.ID)
	inst.SetCurrentState(state.CurrentState)
	return inst, true
}

func (f *Fixture[S]) state() *adapters.SagaState {
	f.t.Helper()

	if f.sagaID == "" {
		f.t.Fatal("No saga instance was touched")
		return nil
	}
	state, err := f.store.Load(f.ctx, f.sagaID)
	if err != nil {
		f.t.Fatalf("Failed to load saga %s: %v", f.sagaID, err)
		return nil
	}
	return state
}

// TimeoutRequests returns the timeouts requested since the last Given.
func (f *Fixture[S]) TimeoutRequests() []testutil.Record {
	return append([]testutil.Record(nil), f.requested...)
}

// SagaID returns the id of the last touched instance.
func (f *Fixture[S]) SagaID() string { return f.sagaID }

// Err returns the error of the last When.
func (f *Fixture[S]) Err() error { return f.err }

// Transport returns the recording transport.
func (f *Fixture[S]) Transport() *testutil.RecordingTransport { return f.transport }

// Scheduler returns the fake scheduler.
func (f *Fixture[S]) Scheduler() *testutil.FakeScheduler { return f.scheduler }

// Clock returns the fixture clock.
func (f *Fixture[S]) Clock() *testutil.Clock { return f.clock }

// Logger returns the logger shared by the engine and the dispatcher.
func (f *Fixture[S]) Logger() *testutil.RecordingLogger { return f.logger }

// Store returns the saga store.
func (f *Fixture[S]) Store() *memory.SagaStore { return f.store }

// Engine returns the engine built for the machine.
func (f *Fixture[S]) Engine() *stoat.Engine[S] { return f.engine }

// Dispatcher returns the dispatcher.
func (f *Fixture[S]) Dispatcher() *stoat.Dispatcher { return f.dispatcher }
