// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Transport types
const (
	TransportTCP  = "tcp"  // length-prefixed multipart frames, default
	TransportWS   = "ws"   // WebSocket, one binary message per frame set
	TransportNATS = "nats" // NATS core pub/sub
	TransportMem  = "mem"  // in-process hub
)

// DefaultTransport is used for addresses without a scheme.
const DefaultTransport = TransportTCP

// Transport is one pub/sub socket. A handle is created disconnected, is
// connected once, and is never reused after Close.
type Transport interface {
	// Connect opens the socket. Handlers bound with On before Connect
	// observe the connection events.
	Connect(ctx context.Context) error

	// Send publishes one message. It does not wait for any reply.
	Send(ctx context.Context, msg *Message) error

	// On registers fn for ev and returns the func that unregisters it.
	On(ev Event, fn EventHandler) (off func())

	// State reports the current connection state.
	State() ConnectionState

	// Close removes every listener and releases the socket.
	Close() error
}

// Subscriber is implemented by transports that can also receive, which is
// what a reply subscription needs. group names a shared subscription; an
// empty group gives every subscriber its own copy.
type Subscriber interface {
	Subscribe(topic, group string, fn func(*InboundMessage)) (unsubscribe func() error, err error)
}

// Message is an outbound message. Topic becomes the routing key on
// transports that multiplex subscribers per topic.
type Message struct {
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// InboundMessage is a message received on a subscription.
type InboundMessage struct {
	Topic      string
	Data       []byte
	Attributes map[string]string

	ack  func()
	nack func()
}

// NewInboundMessage builds a message for HandleResponse. ack and nack may be
// nil when the transport has no acknowledgement protocol.
func NewInboundMessage(topic string, data []byte, attrs map[string]string, ack, nack func()) *InboundMessage {
	return &InboundMessage{Topic: topic, Data: data, Attributes: attrs, ack: ack, nack: nack}
}

// Ack acknowledges the message upstream.
func (m *InboundMessage) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Nack negatively acknowledges the message upstream.
func (m *InboundMessage) Nack() {
	if m.nack != nil {
		m.nack()
	}
}

func (m *InboundMessage) attr(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// DialOption configures transports
type DialOption func(*dialOptions)

type dialOptions struct {
	transport        string
	name             string
	handshakeTimeout time.Duration
	header           http.Header
	natsOptions      []nats.Option
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithClientName names the connection on brokers that support it.
func WithClientName(name string) DialOption {
	return func(o *dialOptions) { o.name = name }
}

// WithHandshakeTimeout bounds the connect handshake when the context has no
// deadline of its own.
func WithHandshakeTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.handshakeTimeout = d }
}

// WithHeader adds HTTP headers to the WebSocket handshake.
func WithHeader(h http.Header) DialOption {
	return func(o *dialOptions) { o.header = h }
}

// WithNATSOptions appends raw nats.go options.
func WithNATSOptions(opts ...nats.Option) DialOption {
	return func(o *dialOptions) { o.natsOptions = append(o.natsOptions, opts...) }
}

type transportFactory func(u *url.URL, o *dialOptions) (Transport, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportFactory{
		TransportTCP:  newTCPTransport,
		TransportWS:   newWSTransport,
		"wss":         newWSTransport,
		TransportNATS: newNATSTransport,
		"tls":         newNATSTransport,
		TransportMem:  newMemTransport,
	}
)

// registerTransport registers a new transport scheme
func registerTransport(name string, f transportFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = f
}

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// ParseAddress turns an address into a URL. A bare host:port is treated as
// the default transport.
func ParseAddress(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("empty address")
	}
	if !strings.Contains(addr, "://") {
		addr = DefaultTransport + "://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("address %q has no host", addr)
	}
	return u, nil
}

// NewTransport builds a disconnected transport for addr. The transport type
// comes from WithTransport, or from the address scheme.
func NewTransport(addr string, opts ...DialOption) (Transport, error) {
	o := &dialOptions{}
	for _, opt := range opts {
		opt(o)
	}
	u, err := ParseAddress(addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}
	name := o.transport
	if name == "" {
		name = u.Scheme
	}

	transportsMu.RLock()
	factory, ok := transports[name]
	transportsMu.RUnlock()
	if !ok {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: fmt.Errorf("%w: %s", ErrUnknownTransport, name)}
	}
	return factory(u, o)
}

// Dial builds a transport and connects it.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Transport, error) {
	t, err := NewTransport(addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func handshakeContext(ctx context.Context, o *dialOptions) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || o.handshakeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.handshakeTimeout)
}
