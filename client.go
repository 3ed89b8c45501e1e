// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Client adds request/response semantics to a one-way pub/sub transport.
// Requests carry a correlation id; replies arriving on a separate channel
// are routed back to the caller through HandleResponse.
type Client struct {
	cfg        ClientConfig
	addr       string
	serializer Serializer
	log        *slog.Logger
	router     *Router
	metrics    *clientMetrics
	limiter    *rate.Limiter
	dial       []DialOption

	// connMu serializes Connect and Close.
	connMu sync.Mutex

	mu         sync.RWMutex
	transport  Transport
	unbind     []func()
	replyUnsub func() error
}

// NewClient validates cfg and builds a disconnected client.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("psrpc: invalid config: %w", err)
	}
	o := clientOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.serializer == nil {
		o.serializer = JSONSerializer{Codec: o.codec}
	}
	if o.name == "" {
		o.name = "default"
	}

	c := &Client{
		cfg:        cfg,
		addr:       cfg.ResolvedAddress(),
		serializer: o.serializer,
		log:        o.logger.With("component", "psrpc", "client", o.name),
	}
	c.router = NewRouter(RouterConfig{
		IDs:               o.ids,
		Timeout:           cfg.RequestTimeout,
		Streaming:         cfg.Streaming,
		MaxStreamMessages: cfg.MaxStreamMessages,
		OnExpire:          c.onExpire,
	})

	m, err := newClientMetrics(o.registerer, o.name, func() float64 { return float64(c.router.Len()) })
	if err != nil {
		return nil, err
	}
	c.metrics = m

	if o.rps > 0 {
		burst := o.burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(o.rps), burst)
	}

	c.dial = append(c.dial, WithClientName(o.name))
	if cfg.Transport != "" {
		c.dial = append(c.dial, WithTransport(cfg.Transport))
	}
	c.dial = append(c.dial, o.dial...)
	return c, nil
}

// Config returns a copy of the client configuration.
func (c *Client) Config() ClientConfig { return c.cfg }

// State reports the connection state of the current transport handle.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return StateDisconnected
	}
	return t.State()
}

// Pending returns the number of requests waiting for a terminal reply.
func (c *Client) Pending() int {
	return c.router.Len()
}

// Connect returns the current transport, creating and connecting one when
// there is none. With AutoInit and a reply topic, it also subscribes to
// replies.
func (c *Client) Connect(ctx context.Context) (Transport, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.RLock()
	existing := c.transport
	c.mu.RUnlock()
	if existing != nil {
		return existing, nil
	}

	t, err := NewTransport(c.addr, c.dial...)
	if err != nil {
		c.log.Error("psrpc transport unavailable", "address", c.addr, "error", err)
		return nil, err
	}
	unbind := c.bindEvents(t)

	c.mu.Lock()
	c.transport = t
	c.unbind = unbind
	c.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		c.log.Error("psrpc connect failed", "address", c.addr, "error", err)
		_ = c.dropTransport()
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{Op: "connect", Addr: c.addr, Err: err}
		}
		return nil, err
	}

	if c.cfg.AutoInit && c.cfg.ReplyTopic != "" {
		unsub, err := c.subscribeReplies(t)
		if err != nil {
			c.log.Error("psrpc reply subscription failed", "topic", c.cfg.ReplyTopic, "error", err)
			_ = c.dropTransport()
			return nil, &ConnectionError{Op: "subscribe", Addr: c.cfg.ReplyTopic, Err: err}
		}
		c.mu.Lock()
		c.replyUnsub = unsub
		c.mu.Unlock()
	}

	c.log.Info("psrpc client connected", "address", c.addr, "topic", c.cfg.Topic)
	return t, nil
}

// Close unbinds events, closes the transport and fails every pending
// request with ErrClientClosed. Teardown errors are returned after the
// drain has completed.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	err := c.dropTransport()
	n := c.router.DrainAll(&ConnectionError{Op: "close", Addr: c.addr, Err: ErrClientClosed})
	if n > 0 {
		c.log.Info("psrpc drained pending requests", "count", n)
	}
	return err
}

func (c *Client) dropTransport() error {
	c.mu.Lock()
	t := c.transport
	unbind := c.unbind
	unsub := c.replyUnsub
	c.transport = nil
	c.unbind = nil
	c.replyUnsub = nil
	c.mu.Unlock()

	for _, off := range unbind {
		off()
	}
	var errs []error
	if unsub != nil {
		if err := unsub(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe replies: %w", err))
		}
	}
	if t != nil {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

// bindEvents attaches lifecycle logging and keeps the exact unbind handles.
func (c *Client) bindEvents(t Transport) []func() {
	events := []Event{EventListening, EventPeerAccepted, EventDisconnected}
	offs := make([]func(), 0, len(events))
	for _, ev := range events {
		offs = append(offs, t.On(ev, c.logEvent))
	}
	return offs
}

func (c *Client) logEvent(ev Event, err error) {
	c.metrics.lifecycle.WithLabelValues(ev.String()).Inc()
	if err != nil {
		c.log.Warn("psrpc transport event", "event", ev.String(), "error", err)
		return
	}
	c.log.Debug("psrpc transport event", "event", ev.String())
}

// connected returns the transport only when it can send.
func (c *Client) connected() Transport {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil || t.State() != StateConnected {
		return nil
	}
	return t
}

func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// DispatchEvent sends a fire-and-forget message. Delivery is best effort:
// when the client is not connected, or encoding or sending fails, the
// message is logged and dropped.
func (c *Client) DispatchEvent(ctx context.Context, pattern string, data any) {
	t := c.connected()
	if t == nil {
		c.metrics.events.WithLabelValues("not_connected").Inc()
		c.log.Error("psrpc client is not connected", "pattern", pattern)
		return
	}
	if !c.allow() {
		c.metrics.events.WithLabelValues("rate_limited").Inc()
		c.log.Warn("psrpc event dropped", "pattern", pattern, "error", ErrRateLimited)
		return
	}
	payload, err := c.serializer.EncodeRequest(OutgoingEnvelope{Pattern: pattern, Data: data})
	if err != nil {
		c.metrics.events.WithLabelValues("encode_error").Inc()
		c.log.Error("psrpc event dropped", "pattern", pattern, "error", err)
		return
	}
	msg := &Message{
		Topic:      c.cfg.Topic,
		Data:       payload,
		Attributes: map[string]string{AttrPattern: pattern},
	}
	if err := t.Send(ctx, msg); err != nil {
		c.metrics.events.WithLabelValues("send_error").Inc()
		c.log.Error("psrpc event dropped", "pattern", pattern, "error", err)
		return
	}
	c.metrics.events.WithLabelValues("sent").Inc()
}

// Publish sends a request and registers cb for its replies. A nil cb is
// rejected without sending. cb may run
// several times for a streamed reply; the last invocation carries a
// terminal Result. Failures before the message leaves are delivered to cb
// once. The returned teardown cancels the request without invoking cb.
func (c *Client) Publish(ctx context.Context, pattern string, data any, cb Callback) (teardown func()) {
	noop := func() {}
	if cb == nil {
		c.metrics.requests.WithLabelValues("invalid").Inc()
		c.log.Warn("psrpc publish without callback", "pattern", pattern)
		return noop
	}

	t := c.connected()
	if t == nil {
		c.metrics.requests.WithLabelValues("not_connected").Inc()
		cb(Result{Err: &ConnectionError{Op: "publish", Addr: c.addr, Err: ErrNotConnected}})
		return noop
	}
	if !c.allow() {
		c.metrics.requests.WithLabelValues("rate_limited").Inc()
		cb(Result{Err: ErrRateLimited})
		return noop
	}

	// Register before sending: a reply may arrive before Send returns.
	id := c.router.Register(cb)

	payload, err := c.serializer.EncodeRequest(OutgoingEnvelope{Pattern: pattern, Data: data, ID: id})
	if err != nil {
		c.metrics.requests.WithLabelValues("encode_error").Inc()
		c.router.Fail(id, err)
		return noop
	}

	attrs := map[string]string{AttrID: id, AttrPattern: pattern}
	if c.cfg.ReplyTopic != "" {
		attrs[AttrReplyTo] = c.cfg.ReplyTopic
	}
	msg := &Message{Topic: c.cfg.Topic, Data: payload, Attributes: attrs}
	if err := t.Send(ctx, msg); err != nil {
		c.metrics.requests.WithLabelValues("send_error").Inc()
		c.router.Fail(id, &ConnectionError{Op: "send", Addr: c.addr, Err: err})
		return noop
	}

	c.metrics.requests.WithLabelValues("sent").Inc()
	return func() { c.router.Deregister(id) }
}

// Call publishes a request and waits for its terminal reply. The last
// non-empty response of the stream is decoded into reply.
func (c *Client) Call(ctx context.Context, pattern string, args, reply any) error {
	var (
		mu   sync.Mutex
		last Value
	)
	done := make(chan Result, 1)
	teardown := c.Publish(ctx, pattern, args, func(res Result) {
		if !res.Response.IsZero() {
			mu.Lock()
			last = res.Response
			mu.Unlock()
		}
		if res.Terminal() {
			done <- res
		}
	})

	select {
	case <-ctx.Done():
		teardown()
		return ctx.Err()
	case res := <-done:
		if res.Err != nil {
			return res.Err
		}
	}

	if reply == nil {
		return nil
	}
	mu.Lock()
	v := last
	mu.Unlock()
	if err := v.Decode(reply); err != nil {
		return &DecodeError{Err: fmt.Errorf("decode reply: %w", err)}
	}
	return nil
}

// HandleResponse routes one inbound reply to its waiting caller. It returns
// true when a caller was found. A false return with an
// *UnknownCorrelationError means nobody is waiting; the owner of the reply
// channel should negatively acknowledge the message.
func (c *Client) HandleResponse(msg *InboundMessage) (bool, error) {
	if msg == nil {
		c.metrics.responses.WithLabelValues("decode_error").Inc()
		return false, &DecodeError{Err: errNilMessage}
	}
	env, err := c.serializer.DecodeResponse(msg.Data)
	if err != nil {
		c.metrics.responses.WithLabelValues("decode_error").Inc()
		return false, err
	}
	id, err := correlationID(msg.attr(AttrID), env.ID)
	if err != nil {
		c.metrics.responses.WithLabelValues("invalid").Inc()
		return false, err
	}
	if !c.router.Resolve(id, env.result()) {
		c.metrics.responses.WithLabelValues("unknown").Inc()
		return false, &UnknownCorrelationError{ID: id}
	}
	c.metrics.responses.WithLabelValues("handled").Inc()
	return true, nil
}

// correlationID prefers the out-of-band attribute and refuses to guess
// when it disagrees with the payload.
func correlationID(attrID, payloadID string) (string, error) {
	switch {
	case attrID != "" && payloadID != "" && attrID != payloadID:
		return "", &CorrelationMismatchError{AttributeID: attrID, PayloadID: payloadID}
	case attrID != "":
		return attrID, nil
	case payloadID != "":
		return payloadID, nil
	default:
		return "", &DecodeError{Err: ErrMissingID}
	}
}

func (c *Client) onExpire(id string) {
	c.metrics.timeouts.Inc()
	c.log.Warn("psrpc request timed out", "id", id, "after", c.cfg.RequestTimeout)
}
