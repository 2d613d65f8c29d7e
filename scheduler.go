package stoat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CancellationGuarantee states what cancelling a scheduled message achieves.
type CancellationGuarantee int

const (
	// CancellationBestEffort means a cancelled message may still be delivered.
	// Schedules discard such deliveries by comparing tokens.
	CancellationBestEffort CancellationGuarantee = iota

	// CancellationGuaranteed means a cancelled message is never delivered.
	CancellationGuaranteed
)

// String returns the string representation of the guarantee.
func (g CancellationGuarantee) String() string {
	if g == CancellationGuaranteed {
		return "Guaranteed"
	}
	return "BestEffort"
}

// ScheduledMessage is the token returned for every scheduling call.
type ScheduledMessage struct {
	TokenID       uuid.UUID
	ScheduledTime time.Time
	PayloadType   string
	Payload       interface{}
	Destination   string
}

// MessageScheduler schedules messages for future delivery.
type MessageScheduler interface {
	// ScheduleSend delivers msg to this endpoint at the given time.
	ScheduleSend(ctx context.Context, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error)

	// ScheduleSendTo delivers msg to destination at the given time.
	ScheduleSendTo(ctx context.Context, destination string, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error)

	// SchedulePublish publishes msg at the given time.
	SchedulePublish(ctx context.Context, at time.Time, msg interface{}, opts ...SendOption) (*ScheduledMessage, error)

	// CancelScheduledSend cancels a scheduled send.
	CancelScheduledSend(ctx context.Context, tokenID uuid.UUID) error

	// CancelScheduledPublish cancels a scheduled publish.
	CancelScheduledPublish(ctx context.Context, tokenID uuid.UUID) error

	// Guarantee reports what cancellation achieves for this scheduler.
	Guarantee() CancellationGuarantee
}
