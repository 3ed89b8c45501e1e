// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

var errSubjectRequired = errors.New("nats: topic is required as subject")

// natsTransport maps topics to subjects and attributes to headers.
type natsTransport struct {
	url  string
	opts *dialOptions

	mu     sync.RWMutex
	conn   *nats.Conn
	subs   []*nats.Subscription
	state  stateBox
	events emitter
	opened atomic.Bool
	closed atomic.Bool
}

func newNATSTransport(u *url.URL, o *dialOptions) (Transport, error) {
	return &natsTransport{url: u.String(), opts: o}, nil
}

func (t *natsTransport) buildOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(t.handleDisconnect),
		nats.ReconnectHandler(t.handleReconnect),
	}
	if t.opts.name != "" {
		opts = append(opts, nats.Name(t.opts.name))
	}
	if t.opts.handshakeTimeout > 0 {
		opts = append(opts, nats.Timeout(t.opts.handshakeTimeout))
	}
	return append(opts, t.opts.natsOptions...)
}

func (t *natsTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return &ConnectionError{Op: "connect", Addr: t.url, Err: ErrClosed}
	}
	if !t.opened.CompareAndSwap(false, true) {
		return nil
	}
	t.state.advance(StateConnecting)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(t.url, t.buildOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		t.state.advance(StateDisconnected)
		return &ConnectionError{Op: "connect", Addr: t.url, Err: ctx.Err()}
	case res = <-done:
	}
	if res.err != nil {
		t.state.advance(StateDisconnected)
		return &ConnectionError{Op: "connect", Addr: t.url, Err: res.err}
	}

	t.mu.Lock()
	t.conn = res.conn
	t.mu.Unlock()

	t.events.emit(EventPeerAccepted, nil)
	if t.state.advance(StateConnected) {
		t.events.emit(EventListening, nil)
	}
	return nil
}

func (t *natsTransport) handleDisconnect(_ *nats.Conn, err error) {
	if t.closed.Load() {
		return
	}
	if t.state.advance(StateDisconnected) {
		t.events.emit(EventDisconnected, err)
	}
}

func (t *natsTransport) handleReconnect(_ *nats.Conn) {
	if t.state.advance(StateConnected) {
		t.events.emit(EventPeerAccepted, nil)
		t.events.emit(EventListening, nil)
	}
}

func (t *natsTransport) connection() (*nats.Conn, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (t *natsTransport) Send(_ context.Context, msg *Message) error {
	if msg.Topic == "" {
		return errSubjectRequired
	}
	conn, err := t.connection()
	if err != nil {
		return err
	}
	out := nats.NewMsg(msg.Topic)
	out.Data = msg.Data
	for k, v := range msg.Attributes {
		out.Header.Set(k, v)
	}
	return conn.PublishMsg(out)
}

func (t *natsTransport) Subscribe(topic, group string, fn func(*InboundMessage)) (func() error, error) {
	if topic == "" {
		return nil, errSubjectRequired
	}
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}
	handler := func(m *nats.Msg) {
		fn(NewInboundMessage(m.Subject, m.Data, headerAttributes(m.Header), nil, nil))
	}

	var sub *nats.Subscription
	if group != "" {
		sub, err = conn.QueueSubscribe(topic, group, handler)
	} else {
		sub, err = conn.Subscribe(topic, handler)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub.Unsubscribe, nil
}

// headerAttributes keeps the first value of every header.
func headerAttributes(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			attrs[k] = vs[0]
		}
	}
	return attrs
}

func (t *natsTransport) On(ev Event, fn EventHandler) func() {
	return t.events.on(ev, fn)
}

func (t *natsTransport) State() ConnectionState {
	return t.state.load()
}

func (t *natsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.events.reset()
	t.state.store(StateClosed)

	t.mu.Lock()
	conn := t.conn
	subs := t.subs
	t.conn = nil
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if sub.IsValid() {
			errs = append(errs, sub.Unsubscribe())
		}
	}
	if conn != nil {
		conn.Close()
	}
	return errors.Join(errs...)
}
