package stoat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/google/uuid"
)

// HandlerFunc handles one received envelope outside of any saga.
type HandlerFunc func(ctx context.Context, env *Envelope, mc MessageContext) error

// ReceiveFunc processes one received envelope.
type ReceiveFunc func(ctx context.Context, env *Envelope) error

// Middleware wraps envelope processing.
type Middleware func(next ReceiveFunc) ReceiveFunc

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSagaStore sets the saga store. Defaults to nil, which makes Receive fail
// for saga messages.
func WithSagaStore(store adapters.SagaStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.store = store
	}
}

// WithTransport sets the transport outgoing messages are sent through.
func WithTransport(t Transport) DispatcherOption {
	return func(d *Dispatcher) {
		d.transport = t
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithSerializer sets the serializer used for envelopes received as bytes.
func WithSerializer(s Serializer) DispatcherOption {
	return func(d *Dispatcher) {
		d.serializer = s
	}
}

// WithInstanceCodec sets the codec used to persist saga instances.
func WithInstanceCodec(c InstanceCodec) DispatcherOption {
	return func(d *Dispatcher) {
		d.codec = c
	}
}

// WithErrorQueue sets the destination faulted messages are forwarded to.
func WithErrorQueue(destination string) DispatcherOption {
	return func(d *Dispatcher) {
		d.errorQueue = destination
	}
}

// WithMiddleware appends middleware. The first middleware is the outermost.
func WithMiddleware(mw ...Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, mw...)
	}
}

// WithDispatcherClock sets the time source for saga timestamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// route is one saga type's entry in the dispatch table.
type route struct {
	sagaType string
	handle   HandlerFunc
}

// Dispatcher routes received envelopes to saga engines and plain handlers
// through one dispatch table keyed by message type.
type Dispatcher struct {
	store      adapters.SagaStore
	transport  Transport
	serializer Serializer
	codec      InstanceCodec
	logger     Logger
	errorQueue string
	middleware []Middleware
	now        func() time.Time

	mu       sync.RWMutex
	sagas    map[string]bool
	routes   map[string][]route
	handlers map[string][]HandlerFunc
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		serializer: NewJSONSerializer(),
		codec:      JSONCodec{},
		logger:     &noopLogger{},
		now:        time.Now,
		sagas:      make(map[string]bool),
		routes:     make(map[string][]route),
		handlers:   make(map[string][]HandlerFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serializer returns the serializer used for byte envelopes.
func (d *Dispatcher) Serializer() Serializer { return d.serializer }

// Handle registers a plain handler for messageType.
func (d *Dispatcher) Handle(messageType string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[messageType] = append(d.handlers[messageType], h)
}

// HandleDeferredPublish registers the handler that publishes messages
// scheduled with DeferredScheduler.SchedulePublish.
func (d *Dispatcher) HandleDeferredPublish() {
	if r, ok := d.serializer.(interface {
		Register(messageType string, example interface{})
	}); ok {
		r.Register(MessageTypeOf(DeferredPublish{}), DeferredPublish{})
	}
	d.Handle(MessageTypeOf(DeferredPublish{}), NewDeferredPublishHandler(d.serializer))
}

// Register adds engine's events to d's dispatch table. factory returns a new,
// empty instance.
func Register[S Instance](d *Dispatcher, engine *Engine[S], factory func() S) error {
	if engine == nil || factory == nil {
		return NewConfigurationError("register", errors.New("engine and factory are required"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := engine.Name()
	if d.sagas[name] {
		return fmt.Errorf("%w: %s", ErrSagaAlreadyRegistered, name)
	}
	d.sagas[name] = true

	r := &sagaRoute[S]{d: d, engine: engine, factory: factory}
	for _, ev := range engine.Machine().Events() {
		d.routes[ev.MessageType()] = append(d.routes[ev.MessageType()], route{sagaType: name, handle: r.handle})
	}

	d.logger.Info("Registered saga", "sagaType", name, "events", len(engine.Machine().Events()))
	return nil
}

// Receive processes one envelope through the middleware chain.
func (d *Dispatcher) Receive(ctx context.Context, env *Envelope) error {
	next := d.dispatch
	for i := len(d.middleware) - 1; i >= 0; i-- {
		next = d.middleware[i](next)
	}
	return next(ctx, env)
}

func (d *Dispatcher) dispatch(ctx context.Context, env *Envelope) error {
	if env == nil {
		return ErrNilMessage
	}
	if env.Headers == nil {
		env.Headers = Headers{}
	}
	if env.Message == nil {
		if len(env.Body) == 0 {
			return ErrNilMessage
		}
		msg, err := d.serializer.Deserialize(env.Body, env.MessageType)
		if err != nil {
			return err
		}
		env.Message = msg
	}
	if env.MessageType == "" {
		env.MessageType = MessageTypeOf(env.Message)
	}

	d.mu.RLock()
	routes := d.routes[env.MessageType]
	handlers := d.handlers[env.MessageType]
	d.mu.RUnlock()

	if len(routes) == 0 && len(handlers) == 0 {
		return &NoRouteError{MessageType: env.MessageType}
	}

	mc := NewMessageContext(d.transport, env, d.errorQueue)
	for _, r := range routes {
		if err := r.handle(ctx, env, mc); err != nil {
			return err
		}
	}
	for _, h := range handlers {
		if err := h(ctx, env, mc); err != nil {
			return err
		}
	}
	return nil
}

// sagaRoute loads, drives and saves instances of one saga type.
type sagaRoute[S Instance] struct {
	d       *Dispatcher
	engine  *Engine[S]
	factory func() S
}

func (r *sagaRoute[S]) handle(ctx context.Context, env *Envelope, mc MessageContext) error {
	d := r.d
	if d.store == nil {
		return NewConfigurationError("dispatcher", errors.New("saga store is required"))
	}

	name := r.engine.Name()
	ev, ok := r.engine.EventFor(env.MessageType)
	if !ok {
		return &EventNotDeclaredError{Machine: name, MessageType: env.MessageType}
	}
	corr, err := r.engine.Machine().CorrelationFor(env.MessageType)
	if err != nil {
		return err
	}
	inboundKey, _ := corr.Value(env.Message, env.Headers)

	state, err := r.find(ctx, env, inboundKey)
	if err != nil {
		return err
	}

	inst := r.factory()
	if state == nil {
		if !r.engine.AcceptsNew(ev) {
			d.logger.Debug("No saga instance found",
				"sagaType", name,
				"messageType", env.MessageType,
				"correlationID", inboundKey)
			return r.engine.Handle(ctx, env.Message, mc)
		}
		now := d.now()
		state = &adapters.SagaState{
			ID:        uuid.NewString(),
			Type:      name,
			Status:    adapters.SagaStatusRunning,
			StartedAt: now,
		}
		inst.SetSagaID(state.ID)
		d.logger.Info("Creating new saga",
			"sagaType", name,
			"sagaID", state.ID,
			"correlationID", inboundKey,
			"triggerEvent", ev.Name())
	} else {
		if len(state.Data) > 0 {
			if err := d.codec.Unmarshal(state.Data, inst); err != nil {
				return err
			}
		}
		inst.SetSagaID(state.ID)
		inst.SetCurrentState(state.CurrentState)
	}

	if err := r.engine.Execute(ctx, inst, env.Message, mc, ev); err != nil {
		d.logger.Error("Saga failed to handle message",
			"sagaType", name,
			"sagaID", state.ID,
			"messageType", env.MessageType,
			"error", err)
		return err
	}

	return r.save(ctx, state, inst, inboundKey)
}

// find loads the instance addressed by the saga headers, or else the one
// correlated to key. Completed instances count as missing.
func (r *sagaRoute[S]) find(ctx context.Context, env *Envelope, key string) (*adapters.SagaState, error) {
	name := r.engine.Name()

	var (
		state *adapters.SagaState
		err   error
	)
	if id := env.Headers.Get(HeaderSagaID); id != "" && env.Headers.Get(HeaderSagaType) == name {
		state, err = r.d.store.Load(ctx, id)
	} else if key != "" {
		state, err = r.d.store.FindByCorrelationID(ctx, name, key)
	} else {
		return nil, nil
	}

	if errors.Is(err, adapters.ErrSagaNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stoat: failed to find saga %s: %w", name, err)
	}
	if state.Type != name || state.IsTerminal() {
		return nil, nil
	}
	return state, nil
}

func (r *sagaRoute[S]) save(ctx context.Context, state *adapters.SagaState, inst S, inboundKey string) error {
	d := r.d
	data, err := d.codec.Marshal(inst)
	if err != nil {
		return err
	}

	keys := append([]string(nil), state.CorrelationKeys...)
	for _, key := range append(r.engine.CorrelationKeys(inst), inboundKey) {
		if key != "" && !containsKey(keys, key) {
			keys = append(keys, key)
		}
	}

	state.CurrentState = inst.CurrentState()
	state.CorrelationKeys = keys
	state.Data = data
	if inst.IsCompleted() {
		now := d.now()
		state.Status = adapters.SagaStatusCompleted
		state.CompletedAt = &now
		d.logger.Info("Saga completed", "sagaType", state.Type, "sagaID", state.ID)
	}

	return d.store.Save(ctx, state)
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
