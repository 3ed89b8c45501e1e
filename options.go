// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientConfig holds the connection parameters of a Client. NewClient keeps
// its own copy; later changes to the caller's value have no effect.
type ClientConfig struct {
	// Address is a full URL (tcp://, ws://, nats://, mem://) or host:port.
	// When empty it is built from Host and Port.
	Address string
	Host    string
	Port    int

	// Transport overrides the transport chosen from the address scheme.
	Transport string

	// Topic is the outbound routing key for every request and event.
	Topic string

	// ReplyTopic is advertised in the replyTo attribute and, with AutoInit,
	// subscribed by Connect. ReplySubscription names the shared
	// subscription on brokers that support one.
	ReplyTopic        string
	ReplySubscription string

	// NoAck makes the client acknowledge handled replies itself.
	NoAck bool

	// AutoInit creates the reply subscription during Connect.
	AutoInit bool

	// RequestTimeout fails requests that get no terminal reply in time.
	// Zero waits until Close.
	RequestTimeout time.Duration

	// Streaming keeps a request open across replies until one arrives with
	// isDisposed or an error. Without it the first reply completes the
	// request.
	Streaming bool

	// MaxStreamMessages bounds partial replies per streaming request. Zero
	// is unbounded.
	MaxStreamMessages int
}

// ResolvedAddress returns Address, or tcp://Host:Port when Address is empty.
func (c ClientConfig) ResolvedAddress() string {
	if c.Address != "" {
		return c.Address
	}
	if c.Host == "" {
		return ""
	}
	return DefaultTransport + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ClientConfig) validate() error {
	var errs []error
	if c.ResolvedAddress() == "" {
		errs = append(errs, errors.New("address or host is required"))
	}
	if c.Address == "" && c.Host != "" && (c.Port <= 0 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request timeout must not be negative"))
	}
	if c.MaxStreamMessages < 0 {
		errs = append(errs, errors.New("max stream messages must not be negative"))
	}
	if c.MaxStreamMessages > 0 && !c.Streaming {
		errs = append(errs, errors.New("max stream messages requires streaming"))
	}
	if c.AutoInit && c.ReplyTopic == "" && c.ReplySubscription != "" {
		errs = append(errs, errors.New("reply subscription requires a reply topic"))
	}
	return errors.Join(errs...)
}

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	serializer Serializer
	codec      Codec
	logger     *slog.Logger
	ids        IDGenerator
	rps        float64
	burst      int
	registerer prometheus.Registerer
	name       string
	dial       []DialOption
}

// WithSerializer sets the envelope serializer. Defaults to JSONSerializer.
func WithSerializer(s Serializer) Option {
	return func(o *clientOptions) { o.serializer = s }
}

// WithCodec sets the codec of the default JSONSerializer.
func WithCodec(c Codec) Option {
	return func(o *clientOptions) { o.codec = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIDGenerator sets the correlation id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *clientOptions) { o.ids = g }
}

// WithRateLimit caps outgoing messages at rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *clientOptions) {
		o.rps = rps
		o.burst = burst
	}
}

// WithRegisterer registers the client metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.registerer = reg }
}

// WithName labels logs and metrics, and names the broker connection.
func WithName(name string) Option {
	return func(o *clientOptions) { o.name = name }
}

// WithDialOptions passes options through to the transport.
func WithDialOptions(opts ...DialOption) Option {
	return func(o *clientOptions) { o.dial = append(o.dial, opts...) }
}
