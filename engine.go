package stoat

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/qmuntal/stateless"
)

// EngineOption configures an Engine.
type EngineOption func(*engineSettings)

type engineSettings struct {
	scheduler MessageScheduler
	logger    Logger
	now       func() time.Time
}

// WithScheduler sets the MessageScheduler used by Schedule and Unschedule activities.
func WithScheduler(s MessageScheduler) EngineOption {
	return func(o *engineSettings) {
		o.scheduler = s
	}
}

// WithEngineLogger sets the logger handed to activities.
func WithEngineLogger(l Logger) EngineOption {
	return func(o *engineSettings) {
		o.logger = l
	}
}

// WithEngineClock sets the time source used to compute schedule times.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(o *engineSettings) {
		o.now = now
	}
}

// instanceKey carries the instance being driven through the shared state machine.
type instanceKey struct{}

// Engine raises events against saga instances of one state machine. It holds
// no per-instance state and is safe for concurrent use across instances;
// callers serialize messages for the same instance.
type Engine[S Instance] struct {
	machine   *StateMachine[S]
	scheduler MessageScheduler
	logger    Logger
	now       func() time.Time

	behaviors  map[string]map[string]Behavior[S]
	activities map[string]map[string][]Activity[S]
	ignored    map[string]map[string]bool

	fsm *stateless.StateMachine
}

// NewEngine compiles sm. It returns the configuration errors collected while
// the machine was declared.
func NewEngine[S Instance](sm *StateMachine[S], opts ...EngineOption) (*Engine[S], error) {
	if sm == nil {
		return nil, NewConfigurationError("engine", errors.New("state machine is required"))
	}
	if err := sm.Err(); err != nil {
		return nil, err
	}

	settings := engineSettings{
		logger: &noopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	e := &Engine[S]{
		machine:    sm,
		scheduler:  settings.scheduler,
		logger:     settings.logger,
		now:        settings.now,
		behaviors:  make(map[string]map[string]Behavior[S]),
		activities: make(map[string]map[string][]Activity[S]),
		ignored:    make(map[string]map[string]bool),
	}
	e.compile()
	return e, nil
}

func (e *Engine[S]) compile() {
	sm := e.machine
	permits := make(map[string]map[string]bool)
	permit := func(from, to *State) {
		if from == to {
			return
		}
		if permits[from.name] == nil {
			permits[from.name] = make(map[string]bool)
		}
		permits[from.name][to.name] = true
	}

	for _, d := range sm.declarations {
		scope := d.states
		if d.anyState {
			scope = nil
			for _, st := range sm.stateOrder {
				if st != sm.initial && st != sm.final {
					scope = append(scope, st)
				}
			}
		}

		event := d.binding.event.name
		for _, st := range scope {
			if d.binding.ignore {
				if e.ignored[st.name] == nil {
					e.ignored[st.name] = make(map[string]bool)
				}
				e.ignored[st.name][event] = true
				continue
			}
			if e.activities[st.name] == nil {
				e.activities[st.name] = make(map[string][]Activity[S])
			}
			e.activities[st.name][event] = append(e.activities[st.name][event], d.binding.activities...)

			from := st
			for _, to := range d.binding.transitions {
				permit(from, to)
				from = to
			}
		}
	}

	for state, events := range e.activities {
		e.behaviors[state] = make(map[string]Behavior[S], len(events))
		for event, acts := range events {
			e.behaviors[state][event] = buildBehavior(acts)
		}
	}

	e.fsm = stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			inst, ok := ctx.Value(instanceKey{}).(Instance)
			if !ok {
				return nil, ErrNilInstance
			}
			return inst.CurrentState(), nil
		},
		func(ctx context.Context, state stateless.State) error {
			inst, ok := ctx.Value(instanceKey{}).(Instance)
			if !ok {
				return ErrNilInstance
			}
			inst.SetCurrentState(state.(string))
			return nil
		},
		stateless.FiringImmediate,
	)
	for _, st := range sm.stateOrder {
		cfg := e.fsm.Configure(st.name)
		for _, to := range sm.stateOrder {
			if permits[st.name][to.name] {
				cfg.Permit(transitionTrigger(to), to.name)
			}
		}
	}
	e.fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		inst, _ := ctx.Value(instanceKey{}).(Instance)
		sagaID := ""
		if inst != nil {
			sagaID = inst.SagaID()
		}
		e.logger.Debug("Saga transitioned",
			"sagaType", sm.name,
			"sagaID", sagaID,
			"from", t.Source,
			"to", t.Destination)
	})
}

func transitionTrigger(to *State) string {
	return "TransitionTo:" + to.name
}

// Name returns the saga type name.
func (e *Engine[S]) Name() string { return e.machine.name }

// Machine returns the compiled state machine.
func (e *Engine[S]) Machine() *StateMachine[S] { return e.machine }

// Scheduler returns the configured scheduler, or nil.
func (e *Engine[S]) Scheduler() MessageScheduler { return e.scheduler }

// Correlations returns one descriptor per registered event.
func (e *Engine[S]) Correlations() []*Correlation {
	return e.machine.Correlations()
}

// EventFor returns the registered event for messageType.
func (e *Engine[S]) EventFor(messageType string) (EventHandle, bool) {
	def, ok := e.machine.eventFor(messageType)
	if !ok {
		return nil, false
	}
	return def, true
}

// AcceptsNew reports whether ev creates instances, that is whether it is bound in Initial.
func (e *Engine[S]) AcceptsNew(ev EventHandle) bool {
	if ev == nil {
		return false
	}
	_, ok := e.behaviors[e.machine.initial.name][ev.Name()]
	return ok
}

// CorrelationKeys returns the distinct non-empty saga-side keys of inst.
func (e *Engine[S]) CorrelationKeys(inst S) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, c := range e.machine.Correlations() {
		key := c.SagaKey(inst)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

// Execute raises ev with msg against inst and completes inst when it ends
// in the Final state. Activity errors are returned unchanged.
func (e *Engine[S]) Execute(ctx context.Context, inst S, msg interface{}, mc MessageContext, ev EventHandle) error {
	if isNilInstance(inst) {
		return ErrNilInstance
	}
	if msg == nil {
		return ErrNilMessage
	}
	if ev == nil {
		return &EventNotDeclaredError{Machine: e.machine.name, MessageType: MessageTypeOf(msg)}
	}
	def, ok := e.machine.events[ev.Name()]
	if !ok {
		return &EventNotDeclaredError{Machine: e.machine.name, MessageType: ev.MessageType()}
	}
	if !def.accepts(msg) {
		return fmt.Errorf("%w: event %q carries %s, got %s", ErrMessageTypeMismatch, def.name, def.messageType, MessageTypeOf(msg))
	}

	if inst.CurrentState() == "" {
		inst.SetCurrentState(e.machine.initial.name)
	}

	bc := e.newContext(inst, def, msg, mc)
	var err error
	if def.route != nil {
		err = def.route(ctx, e, bc)
	} else {
		err = e.raise(ctx, bc, def, false)
	}
	if err != nil {
		return err
	}

	if st, ok := e.machine.stateByName(inst.CurrentState()); ok && st == e.machine.final && !inst.IsCompleted() {
		inst.MarkAsComplete()
		e.logger.Debug("Saga completed", "sagaType", e.machine.name, "sagaID", inst.SagaID())
	}
	return nil
}

// Handle runs the missing-instance action configured for msg's event.
// Messages whose event has no action are dropped.
func (e *Engine[S]) Handle(ctx context.Context, msg interface{}, mc MessageContext) error {
	if msg == nil {
		return ErrNilMessage
	}
	corr, err := e.machine.CorrelationFor(MessageTypeOf(msg))
	if err != nil {
		return err
	}
	action := corr.OnMissingSaga()
	if action == nil {
		e.logger.Debug("No saga instance found, dropping message",
			"sagaType", e.machine.name,
			"messageType", corr.MessageType())
		return nil
	}
	return action(ctx, msg, mc)
}

// raise runs the behavior bound to def in the instance's current state.
// Optional events that are not bound are skipped.
func (e *Engine[S]) raise(ctx context.Context, bc *BehaviorContext[S], def *eventDef[S], optional bool) error {
	state := bc.instance.CurrentState()
	bc.event = def

	if b, ok := e.behaviors[state][def.name]; ok {
		e.logger.Debug("Raising event",
			"sagaType", e.machine.name,
			"sagaID", bc.instance.SagaID(),
			"event", def.name,
			"state", state)
		return runBehavior(ctx, b, bc)
	}
	if optional || e.ignored[state][def.name] {
		return nil
	}
	return &UnhandledEventError{Machine: e.machine.name, Event: def.name, State: state}
}

// transition moves the instance in bc to state to.
func (e *Engine[S]) transition(ctx context.Context, bc *BehaviorContext[S], to *State) error {
	if bc.instance.CurrentState() == to.name {
		return nil
	}
	ctx = context.WithValue(ctx, instanceKey{}, Instance(bc.instance))
	return e.fsm.FireCtx(ctx, transitionTrigger(to))
}

func (e *Engine[S]) newContext(inst S, def *eventDef[S], msg interface{}, mc MessageContext) *BehaviorContext[S] {
	bc := &BehaviorContext[S]{
		instance: inst,
		event:    def,
		message:  msg,
		headers:  Headers{},
		engine:   e,
	}
	if mc != nil {
		bc.headers = mc.MessageHeaders().Clone()
		AddPayload[MessageContext](bc, mc)
	}
	AddPayload[Logger](bc, e.logger)
	if e.scheduler != nil {
		AddPayload[MessageScheduler](bc, e.scheduler)
	}
	return bc
}

// Probe describes every bound activity, grouped by state and event.
func (e *Engine[S]) Probe() []ProbeEntry {
	p := &ProbeContext{}
	for _, st := range e.machine.stateOrder {
		events := e.activities[st.name]
		for _, def := range e.boundEvents(events) {
			p.Within(st.name, func() {
				p.Within(def.name, func() {
					for _, a := range events[def.name] {
						a.Probe(p)
					}
				})
			})
		}
	}
	return p.Entries()
}

// Accept walks states, their bound events and the events' activities.
func (e *Engine[S]) Accept(v Visitor) {
	v.Visit(e.machine)
	for _, st := range e.machine.stateOrder {
		v.Visit(st)
		events := e.activities[st.name]
		for _, def := range e.boundEvents(events) {
			v.Visit(EventHandle(def))
			for _, a := range events[def.name] {
				a.Accept(v)
			}
		}
	}
}

// boundEvents returns the events present in events, in declaration order.
func (e *Engine[S]) boundEvents(events map[string][]Activity[S]) []*eventDef[S] {
	var out []*eventDef[S]
	for _, def := range e.machine.declared {
		if _, ok := events[def.name]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Graph returns the transition graph in DOT format.
func (e *Engine[S]) Graph() string {
	return e.fsm.ToGraph()
}

func isNilInstance(inst Instance) bool {
	if inst == nil {
		return true
	}
	v := reflect.ValueOf(inst)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
