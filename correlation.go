package stoat

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// CorrelationStrategy names how a message finds its saga instance.
type CorrelationStrategy int

const (
	// CorrelationNone means the message carries no correlation value.
	CorrelationNone CorrelationStrategy = iota

	// CorrelationExplicit uses a message accessor supplied at declaration.
	CorrelationExplicit

	// CorrelationNatural uses the message's CorrelatedBy identity.
	CorrelationNatural

	// CorrelationConvention uses the state machine's default correlation property.
	CorrelationConvention

	// CorrelationHeader reads the value from an inbound header.
	CorrelationHeader
)

// String returns the string representation of the strategy.
func (s CorrelationStrategy) String() string {
	switch s {
	case CorrelationExplicit:
		return "Explicit"
	case CorrelationNatural:
		return "Natural"
	case CorrelationConvention:
		return "Convention"
	case CorrelationHeader:
		return "Header"
	default:
		return "None"
	}
}

// MissingInstanceAction runs when a message correlates to no saga instance.
type MissingInstanceAction func(ctx context.Context, msg interface{}, mc MessageContext) error

// Correlation describes how one message type maps onto one saga instance.
// It is built when the event is declared and never changes afterwards.
type Correlation struct {
	event        string
	messageType  string
	strategy     CorrelationStrategy
	propertyName string
	header       string
	byProperty   func(msg interface{}) (interface{}, bool)
	toSaga       func(inst Instance) interface{}
	onMissing    MissingInstanceAction
}

// Event returns the name of the event the descriptor belongs to.
func (c *Correlation) Event() string { return c.event }

// MessageType returns the message type name.
func (c *Correlation) MessageType() string { return c.messageType }

// Strategy returns the correlation strategy in use.
func (c *Correlation) Strategy() CorrelationStrategy { return c.strategy }

// PropertyName returns the conventional property name, when that strategy is used.
func (c *Correlation) PropertyName() string { return c.propertyName }

// Header returns the correlation header key, when that strategy is used.
func (c *Correlation) Header() string { return c.header }

// HasProperty reports whether a message property expression is configured.
func (c *Correlation) HasProperty() bool { return c.byProperty != nil }

// CorrelateByProperty evaluates the property expression against msg.
func (c *Correlation) CorrelateByProperty(msg interface{}) (interface{}, bool) {
	if c.byProperty == nil {
		return nil, false
	}
	return c.byProperty(msg)
}

// HowToFindSaga evaluates the saga-side expression against inst.
func (c *Correlation) HowToFindSaga(inst Instance) (interface{}, bool) {
	if c.toSaga == nil || inst == nil {
		return nil, false
	}
	return c.toSaga(inst), true
}

// OnMissingSaga returns the configured missing-instance action, or nil.
func (c *Correlation) OnMissingSaga() MissingInstanceAction { return c.onMissing }

// Value returns the normalized correlation key of an inbound message.
func (c *Correlation) Value(msg interface{}, headers Headers) (string, bool) {
	if c.strategy == CorrelationHeader {
		v := headers.Get(c.header)
		return v, v != ""
	}
	v, ok := c.CorrelateByProperty(msg)
	if !ok {
		return "", false
	}
	key := CorrelationKey(v)
	return key, key != ""
}

// SagaKey returns the normalized correlation key of a saga instance.
func (c *Correlation) SagaKey(inst Instance) string {
	v, ok := c.HowToFindSaga(inst)
	if !ok {
		return ""
	}
	return CorrelationKey(v)
}

// CorrelationKey normalizes a correlation value to the string stored with a saga.
// Nil values, nil pointers and uuid.Nil normalize to "".
func CorrelationKey(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case uuid.UUID:
		if x == uuid.Nil {
			return ""
		}
		return x.String()
	case *uuid.UUID:
		if x == nil || *x == uuid.Nil {
			return ""
		}
		return x.String()
	case fmt.Stringer:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return ""
		}
		return x.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		return CorrelationKey(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

// correlationBuilder accumulates an event's correlation settings before it is frozen.
type correlationBuilder struct {
	strategy   CorrelationStrategy
	header     string
	property   string
	byProperty func(msg interface{}) (interface{}, bool)
	toSaga     func(inst Instance) interface{}
}

// buildCorrelation freezes the descriptor, applying the precedence
// explicit > natural identity > conventional property > none.
func buildCorrelation[S Instance, M any](event, defaultProperty string, b correlationBuilder, onMissing MissingInstanceAction) (*Correlation, error) {
	c := &Correlation{
		event:       event,
		messageType: messageTypeFor[M](),
		onMissing:   onMissing,
	}

	switch {
	case b.strategy == CorrelationExplicit && b.byProperty == nil && b.property != "":
		byProperty, ok := propertyAccessor[M](b.property)
		if !ok {
			return nil, fmt.Errorf("%w: message %s has no exported field %q", ErrInvalidConfiguration, c.messageType, b.property)
		}
		c.strategy = CorrelationExplicit
		c.propertyName = b.property
		c.byProperty = byProperty
		c.toSaga = sagaIdentity[S](b.property)
		return c, nil

	case b.strategy == CorrelationExplicit || b.strategy == CorrelationHeader:
		c.strategy = b.strategy
		c.header = b.header
		c.byProperty = b.byProperty
		c.toSaga = b.toSaga
		return c, nil

	case implementsCorrelatedBy[M]():
		c.strategy = CorrelationNatural
		c.byProperty = func(msg interface{}) (interface{}, bool) {
			m, ok := asMessage[M](msg)
			if !ok {
				return nil, false
			}
			return any(m).(CorrelatedBy).CorrelationID(), true
		}
		c.toSaga = sagaIdentity[S](defaultProperty)
		return c, nil
	}

	if defaultProperty != "" {
		if byProperty, ok := propertyAccessor[M](defaultProperty); ok {
			c.strategy = CorrelationConvention
			c.propertyName = defaultProperty
			c.byProperty = byProperty
			c.toSaga = sagaIdentity[S](defaultProperty)
			return c, nil
		}
	}

	c.strategy = CorrelationNone
	return c, nil
}

// propertyAccessor resolves the exported field name of M once and returns a reader for it.
func propertyAccessor[M any](name string) (func(msg interface{}) (interface{}, bool), bool) {
	index, ok := fieldIndex(reflect.TypeOf((*M)(nil)).Elem(), name)
	if !ok {
		return nil, false
	}
	return func(msg interface{}) (interface{}, bool) {
		m, ok := asMessage[M](msg)
		if !ok {
			return nil, false
		}
		return fieldValue(reflect.ValueOf(m), index)
	}, true
}

func implementsCorrelatedBy[M any]() bool {
	t := reflect.TypeOf((*M)(nil)).Elem()
	return t.Implements(reflect.TypeOf((*CorrelatedBy)(nil)).Elem())
}

// sagaIdentity resolves the saga side of a natural or conventional correlation:
// the instance's CorrelatedBy identity, else its field named property, else its saga id.
func sagaIdentity[S Instance](property string) func(Instance) interface{} {
	st := reflect.TypeOf((*S)(nil)).Elem()
	if st.Implements(reflect.TypeOf((*CorrelatedBy)(nil)).Elem()) {
		return func(inst Instance) interface{} {
			return inst.(CorrelatedBy).CorrelationID()
		}
	}
	if property != "" {
		if index, ok := fieldIndex(st, property); ok {
			return func(inst Instance) interface{} {
				v, _ := fieldValue(reflect.ValueOf(inst), index)
				return v
			}
		}
	}
	return func(inst Instance) interface{} {
		return inst.SagaID()
	}
}

func fieldIndex(t reflect.Type, name string) ([]int, bool) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, false
	}
	f, ok := t.FieldByName(name)
	if !ok || !f.IsExported() {
		return nil, false
	}
	return f.Index, true
}

func fieldValue(v reflect.Value, index []int) (interface{}, bool) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	f, err := v.FieldByIndexErr(index)
	if err != nil {
		return nil, false
	}
	return f.Interface(), true
}
