package stoat

// Instance is the mutable state of one saga. Implementations are pointer
// types; embedding *InstanceBase or InstanceBase satisfies the interface.
type Instance interface {
	SagaID() string
	SetSagaID(id string)
	CurrentState() string
	SetCurrentState(state string)
	IsCompleted() bool
	MarkAsComplete()
}

// InstanceBase provides the bookkeeping fields of an Instance.
type InstanceBase struct {
	ID        string `json:"sagaId" msgpack:"sagaId"`
	State     string `json:"currentState" msgpack:"currentState"`
	Completed bool   `json:"completed,omitempty" msgpack:"completed,omitempty"`
}

// SagaID returns the saga id.
func (b *InstanceBase) SagaID() string { return b.ID }

// SetSagaID sets the saga id.
func (b *InstanceBase) SetSagaID(id string) { b.ID = id }

// CurrentState returns the current state name.
func (b *InstanceBase) CurrentState() string { return b.State }

// SetCurrentState sets the current state name.
func (b *InstanceBase) SetCurrentState(state string) { b.State = state }

// IsCompleted reports whether MarkAsComplete was called.
func (b *InstanceBase) IsCompleted() bool { return b.Completed }

// MarkAsComplete flags the saga as finished.
func (b *InstanceBase) MarkAsComplete() { b.Completed = true }
