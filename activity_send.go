package stoat

import (
	"context"
)

type sendKind int

const (
	sendKindSend sendKind = iota
	sendKindPublish
	sendKindReply
)

func (k sendKind) String() string {
	switch k {
	case sendKindPublish:
		return "publish"
	case sendKindReply:
		return "reply"
	default:
		return "send"
	}
}

// SendActivity sends, publishes or replies with a message built by its factory.
type SendActivity[S Instance] struct {
	kind   sendKind
	source messageSource[S]
	opts   []SendOption
}

func newSendActivity[S Instance](kind sendKind, source messageSource[S], err error, opts []SendOption) (*SendActivity[S], error) {
	if err != nil {
		return nil, err
	}
	return &SendActivity[S]{kind: kind, source: source, opts: opts}, nil
}

// NewSendActivity creates an activity that sends the factory's message.
func NewSendActivity[S Instance](factory MessageFactory[S], opts ...SendOption) (*SendActivity[S], error) {
	source, err := newSyncSource("send", factory)
	return newSendActivity(sendKindSend, source, err, opts)
}

// NewSendActivityAsync creates an activity that sends the async factory's message.
func NewSendActivityAsync[S Instance](factory AsyncMessageFactory[S], opts ...SendOption) (*SendActivity[S], error) {
	source, err := newAsyncSource("send", factory)
	return newSendActivity(sendKindSend, source, err, opts)
}

// NewPublishActivity creates an activity that publishes the factory's message.
func NewPublishActivity[S Instance](factory MessageFactory[S], opts ...SendOption) (*SendActivity[S], error) {
	source, err := newSyncSource("publish", factory)
	return newSendActivity(sendKindPublish, source, err, opts)
}

// NewPublishActivityAsync creates an activity that publishes the async factory's message.
func NewPublishActivityAsync[S Instance](factory AsyncMessageFactory[S], opts ...SendOption) (*SendActivity[S], error) {
	source, err := newAsyncSource("publish", factory)
	return newSendActivity(sendKindPublish, source, err, opts)
}

// NewReplyActivity creates an activity that replies to the inbound message.
func NewReplyActivity[S Instance](factory MessageFactory[S], opts ...SendOption) (*SendActivity[S], error) {
	source, err := newSyncSource("reply", factory)
	return newSendActivity(sendKindReply, source, err, opts)
}

// NewReplyActivityAsync creates an activity that replies with the async factory's message.
func NewReplyActivityAsync[S Instance](factory AsyncMessageFactory[S], opts ...SendOption) (*SendActivity[S], error) {
	source, err := newAsyncSource("reply", factory)
	return newSendActivity(sendKindReply, source, err, opts)
}

func (a *SendActivity[S]) Probe(p *ProbeContext) {
	p.Add(a.kind.String(), "factory", a.source.mode())
}

func (a *SendActivity[S]) Accept(v Visitor) { v.Visit(a) }

func (a *SendActivity[S]) Execute(ctx context.Context, bc *BehaviorContext[S], next Behavior[S]) error {
	mc, ok := bc.MessageContext()
	if !ok {
		return ErrNoMessageContext
	}

	msg, err := a.source.produce(ctx, bc)
	if err != nil {
		return err
	}

	opts := BuildOptions(a.opts...)
	opts.SetHeader(HeaderOriginatingSagaID, bc.Instance().SagaID())
	opts.SetHeader(HeaderOriginatingSagaType, bc.Machine())
	switch a.kind {
	case sendKindPublish:
		err = mc.Publish(ctx, msg, opts)
	case sendKindReply:
		err = mc.Reply(ctx, msg, opts)
	default:
		err = mc.Send(ctx, msg, opts)
	}
	if err != nil {
		return err
	}

	return next.Execute(ctx, bc)
}

func (a *SendActivity[S]) Faulted(ctx context.Context, bc *BehaviorContext[S], err error, next Behavior[S]) error {
	return next.Faulted(ctx, bc, err)
}
