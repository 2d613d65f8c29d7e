package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// DefaultMaxBodyBytes limits request bodies accepted by a Handler.
const DefaultMaxBodyBytes = 1 << 20

// Receiver processes one delivered envelope. *stoat.Dispatcher implements it.
type Receiver interface {
	Receive(ctx context.Context, env *stoat.Envelope) error
}

// Handler is an http.Handler that turns webhook requests into envelopes.
//
// Responses: 202 when the receiver succeeds, 400 for malformed requests and
// messages the endpoint cannot route or decode, 500 for any other failure so
// the sender's outbox retries.
type Handler struct {
	receiver Receiver
	logger   stoat.Logger
	maxBody  int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l stoat.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithMaxBodyBytes sets the request body limit.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxBody = n
	}
}

// NewHandler creates a Handler delivering to receiver.
func NewHandler(receiver Receiver, opts ...HandlerOption) *Handler {
	h := &Handler{
		receiver: receiver,
		logger:   stoat.NopLogger(),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	env, err := envelopeFromRequest(r, h.maxBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.receiver.Receive(r.Context(), env); err != nil {
		status := statusFor(err)
		h.logger.Warn("Webhook message rejected",
			"messageType", env.MessageType,
			"messageID", env.ID,
			"status", status,
			"error", err)
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func envelopeFromRequest(r *http.Request, maxBody int64) (*stoat.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBody {
		return nil, errors.New("webhook: request body too large")
	}

	headers := stoat.Headers{}
	if raw := r.Header.Get(HeaderHeaders); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, errors.New("webhook: malformed " + HeaderHeaders + " header")
		}
	}
	if _, ok := headers.Lookup(stoat.HeaderMessageType); !ok {
		if t := r.Header.Get(HeaderMessageType); t != "" {
			headers[stoat.HeaderMessageType] = t
		}
	}
	if headers.Get(stoat.HeaderMessageType) == "" {
		return nil, errors.New("webhook: message type is required")
	}

	return &stoat.Envelope{
		ID:          headers.Get(stoat.HeaderMessageID),
		MessageType: headers.Get(stoat.HeaderMessageType),
		Body:        body,
		Headers:     headers,
	}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stoat.ErrNoRoute),
		errors.Is(err, stoat.ErrMessageTypeNotRegistered),
		errors.Is(err, stoat.ErrSerializationFailed),
		errors.Is(err, stoat.ErrNilMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var _ http.Handler = (*Handler)(nil)
