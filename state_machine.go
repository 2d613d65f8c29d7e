package stoat

import (
	"errors"
	"fmt"
)

// Names of the two states every state machine owns.
const (
	InitialStateName = "Initial"
	FinalStateName   = "Final"
)

// State is a named state of one state machine. States are compared by
// identity: two machines may both own a state called "Pending".
type State struct {
	name    string
	machine string
}

// Name returns the state name.
func (s *State) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// String returns "machine.state".
func (s *State) String() string {
	if s == nil {
		return "<nil>"
	}
	return s.machine + "." + s.name
}

// StateMachineOption configures a StateMachine.
type StateMachineOption func(*machineSettings)

type machineSettings struct {
	defaultProperty string
}

// WithDefaultCorrelationProperty names the message field used to correlate
// events whose message type has no explicit or natural correlation.
func WithDefaultCorrelationProperty(name string) StateMachineOption {
	return func(s *machineSettings) {
		s.defaultProperty = name
	}
}

// StateMachine declares the states, events and behavior of one saga type.
// Declaration is not safe for concurrent use; build it once at startup and
// hand it to NewEngine.
type StateMachine[S Instance] struct {
	name            string
	defaultProperty string

	states     map[string]*State
	stateOrder []*State
	initial    *State
	final      *State

	events        map[string]*eventDef[S]
	declared      []*eventDef[S]
	eventOrder    []*eventDef[S]
	byMessageType map[string]*eventDef[S]

	declarations []declaration[S]
	errs         []error
}

// declaration is one During/Initially/DuringAny block entry.
type declaration[S Instance] struct {
	states   []*State
	anyState bool
	binding  *bindingDef[S]
}

// NewStateMachine creates a state machine for saga type name.
func NewStateMachine[S Instance](name string, opts ...StateMachineOption) *StateMachine[S] {
	settings := machineSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	sm := &StateMachine[S]{
		name:            name,
		defaultProperty: settings.defaultProperty,
		states:          make(map[string]*State),
		events:          make(map[string]*eventDef[S]),
		byMessageType:   make(map[string]*eventDef[S]),
	}
	if name == "" {
		sm.fail("state machine", errors.New("name is required"))
	}
	sm.initial = sm.State(InitialStateName)
	sm.final = sm.State(FinalStateName)
	return sm
}

// Name returns the saga type name.
func (sm *StateMachine[S]) Name() string { return sm.name }

// Initial returns the state new instances start in.
func (sm *StateMachine[S]) Initial() *State { return sm.initial }

// Final returns the terminal state. Reaching it completes the instance.
func (sm *StateMachine[S]) Final() *State { return sm.final }

// State returns the state called name, declaring it on first use.
func (sm *StateMachine[S]) State(name string) *State {
	if st, ok := sm.states[name]; ok {
		return st
	}
	if name == "" {
		sm.fail("state", errors.New("name is required"))
	}
	st := &State{name: name, machine: sm.name}
	sm.states[name] = st
	sm.stateOrder = append(sm.stateOrder, st)
	return st
}

// States returns every declared state in declaration order.
func (sm *StateMachine[S]) States() []*State {
	out := make([]*State, len(sm.stateOrder))
	copy(out, sm.stateOrder)
	return out
}

// stateByName returns the declared state called name.
func (sm *StateMachine[S]) stateByName(name string) (*State, bool) {
	st, ok := sm.states[name]
	return st, ok
}

func (sm *StateMachine[S]) owns(st *State) bool {
	return st != nil && sm.states[st.name] == st
}

// Initially binds events handled by new instances.
func (sm *StateMachine[S]) Initially(bindings ...EventBinding[S]) {
	sm.During(sm.initial, bindings...)
}

// During binds events handled while the instance is in state.
func (sm *StateMachine[S]) During(state *State, bindings ...EventBinding[S]) {
	sm.DuringStates([]*State{state}, bindings...)
}

// DuringStates binds events handled in each of states.
func (sm *StateMachine[S]) DuringStates(states []*State, bindings ...EventBinding[S]) {
	for _, st := range states {
		if !sm.owns(st) {
			sm.fail("During", fmt.Errorf("state %s is not declared on %s", st, sm.name))
			return
		}
	}
	for _, b := range bindings {
		sm.declare(declaration[S]{states: states, binding: b.binding()})
	}
}

// DuringAny binds events handled in every state except Initial and Final.
func (sm *StateMachine[S]) DuringAny(bindings ...EventBinding[S]) {
	for _, b := range bindings {
		sm.declare(declaration[S]{anyState: true, binding: b.binding()})
	}
}

func (sm *StateMachine[S]) declare(d declaration[S]) {
	if d.binding == nil || d.binding.event == nil {
		sm.fail("binding", errors.New("event is required"))
		return
	}
	if sm.events[d.binding.event.name] != d.binding.event {
		sm.fail("binding", fmt.Errorf("event %q is not declared on %s", d.binding.event.name, sm.name))
		return
	}
	for _, err := range d.binding.errs {
		sm.fail("event "+d.binding.event.name, err)
	}
	for _, target := range d.binding.transitions {
		if !sm.owns(target) {
			sm.fail("event "+d.binding.event.name, fmt.Errorf("state %s is not declared on %s", target, sm.name))
		}
	}
	sm.declarations = append(sm.declarations, d)
}

// addEvent registers an event definition.
func (sm *StateMachine[S]) addEvent(def *eventDef[S]) {
	if def.name == "" {
		sm.fail("event", errors.New("name is required"))
		return
	}
	if _, dup := sm.events[def.name]; dup {
		sm.fail("event "+def.name, errors.New("declared twice"))
		return
	}
	sm.events[def.name] = def
	sm.declared = append(sm.declared, def)
	if def.internal {
		return
	}
	if other, dup := sm.byMessageType[def.messageType]; dup {
		sm.fail("event "+def.name, fmt.Errorf("message type %s is already bound to event %q", def.messageType, other.name))
		return
	}
	sm.byMessageType[def.messageType] = def
	sm.eventOrder = append(sm.eventOrder, def)
}

// Events returns the registered events in declaration order.
func (sm *StateMachine[S]) Events() []EventHandle {
	out := make([]EventHandle, len(sm.eventOrder))
	for i, def := range sm.eventOrder {
		out[i] = def
	}
	return out
}

// Correlations returns one descriptor per registered event, in declaration order.
func (sm *StateMachine[S]) Correlations() []*Correlation {
	out := make([]*Correlation, 0, len(sm.eventOrder))
	for _, def := range sm.eventOrder {
		out = append(out, def.correlation)
	}
	return out
}

// CorrelationFor returns the descriptor of the event declared for messageType.
func (sm *StateMachine[S]) CorrelationFor(messageType string) (*Correlation, error) {
	def, ok := sm.byMessageType[messageType]
	if !ok {
		return nil, &EventNotDeclaredError{Machine: sm.name, MessageType: messageType}
	}
	return def.correlation, nil
}

// eventFor returns the registered event for messageType.
func (sm *StateMachine[S]) eventFor(messageType string) (*eventDef[S], bool) {
	def, ok := sm.byMessageType[messageType]
	return def, ok
}

// Err returns the configuration errors collected while declaring the machine.
func (sm *StateMachine[S]) Err() error {
	return errors.Join(sm.errs...)
}

func (sm *StateMachine[S]) fail(subject string, err error) {
	sm.errs = append(sm.errs, NewConfigurationError(sm.name+": "+subject, err))
}
