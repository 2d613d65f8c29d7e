// Package webhook carries stoat messages over HTTP. The Publisher POSTs
// outbox messages addressed to "webhook:<url>"; the Handler receives such
// requests and hands them to an endpoint's dispatcher.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Prefix is the destination prefix handled by this package.
const Prefix = "webhook"

// HTTP headers set on every request.
const (
	// HeaderHeaders carries the JSON-encoded stoat header bag. HTTP header
	// names are case-insensitive, so the bag travels as one value.
	HeaderHeaders = "X-Stoat-Headers"

	// HeaderMessageType is the stoat message type, for routing by proxies.
	HeaderMessageType = "X-Stoat-Message-Type"

	// HeaderMessageID is the stoat message id.
	HeaderMessageID = "X-Stoat-Message-Id"
)

// Destination returns the outbox destination of url.
func Destination(url string) string {
	return Prefix + ":" + url
}

// Publisher publishes outbox messages as HTTP POST requests.
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders adds HTTP headers to every request.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// New creates a webhook Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return Prefix
}

// Publish POSTs each message in order and stops at the first failure.
// Any status of 400 or above is a failure.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	for _, msg := range messages {
		if err := p.post(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) post(ctx context.Context, msg *adapters.OutboxMessage) error {
	url := extractURL(msg.Destination)
	if url == "" {
		return fmt.Errorf("webhook: invalid destination %q: missing URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}
	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}

	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if _, ok := headers[stoat.HeaderMessageType]; !ok && msg.MessageType != "" {
		headers[stoat.HeaderMessageType] = msg.MessageType
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("webhook: failed to encode headers: %w", err)
	}
	req.Header.Set(HeaderHeaders, string(encoded))
	req.Header.Set(HeaderMessageType, headers[stoat.HeaderMessageType])
	if id := headers[stoat.HeaderMessageID]; id != "" {
		req.Header.Set(HeaderMessageID, id)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed for %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook: server error %d from %s", resp.StatusCode, url)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: client error %d from %s", resp.StatusCode, url)
	}
	return nil
}

// extractURL removes the "webhook:" prefix from a destination.
func extractURL(destination string) string {
	const prefix = Prefix + ":"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}

var _ stoat.Publisher = (*Publisher)(nil)
