// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
)

// memMailboxLimit bounds the messages kept per topic while nobody is
// subscribed. The oldest are dropped first.
const memMailboxLimit = 1024

// memoryHub is an in-process broker shared by every mem:// transport with
// the same host. Messages published to a topic with no subscriber are kept,
// up to memMailboxLimit, until the first subscriber arrives. Hubs live for
// the life of the process; they are meant for tests and single-process
// embedding, not as a broker.
type memoryHub struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[string]map[uint64]func(*InboundMessage)
	mailbox     map[string][]*InboundMessage
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*memoryHub)
)

func hubFor(name string) *memoryHub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[name]
	if !ok {
		h = &memoryHub{
			subscribers: make(map[string]map[uint64]func(*InboundMessage)),
			mailbox:     make(map[string][]*InboundMessage),
		}
		hubs[name] = h
	}
	return h
}

// publish delivers synchronously, outside the hub lock.
func (h *memoryHub) publish(msg *Message) {
	h.mu.Lock()
	subs := make([]func(*InboundMessage), 0, len(h.subscribers[msg.Topic]))
	for _, fn := range h.subscribers[msg.Topic] {
		subs = append(subs, fn)
	}
	if len(subs) == 0 {
		box := append(h.mailbox[msg.Topic], inbound(msg))
		if len(box) > memMailboxLimit {
			box = box[len(box)-memMailboxLimit:]
		}
		h.mailbox[msg.Topic] = box
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(inbound(msg))
	}
}

func (h *memoryHub) subscribe(topic string, fn func(*InboundMessage)) uint64 {
	h.mu.Lock()
	if h.subscribers[topic] == nil {
		h.subscribers[topic] = make(map[uint64]func(*InboundMessage))
	}
	h.nextID++
	id := h.nextID
	h.subscribers[topic][id] = fn
	pending := h.mailbox[topic]
	delete(h.mailbox, topic)
	h.mu.Unlock()

	for _, msg := range pending {
		fn(msg)
	}
	return id
}

func (h *memoryHub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[topic], id)
}

func inbound(msg *Message) *InboundMessage {
	var attrs map[string]string
	if len(msg.Attributes) > 0 {
		attrs = make(map[string]string, len(msg.Attributes))
		for k, v := range msg.Attributes {
			attrs[k] = v
		}
	}
	data := append([]byte(nil), msg.Data...)
	return &InboundMessage{Topic: msg.Topic, Data: data, Attributes: attrs}
}

// memTransport is a handle on a memoryHub.
type memTransport struct {
	hub  *memoryHub
	name string

	mu     sync.Mutex
	subs   map[uint64]string
	state  stateBox
	events emitter
	closed atomic.Bool
}

func newMemTransport(u *url.URL, _ *dialOptions) (Transport, error) {
	return &memTransport{
		hub:  hubFor(u.Host),
		name: u.Host,
		subs: make(map[uint64]string),
	}, nil
}

func (t *memTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return &ConnectionError{Op: "connect", Addr: "mem://" + t.name, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", Addr: "mem://" + t.name, Err: err}
	}
	if t.state.load() == StateConnected {
		return nil
	}
	t.state.advance(StateConnecting)
	t.events.emit(EventPeerAccepted, nil)
	if t.state.advance(StateConnected) {
		t.events.emit(EventListening, nil)
	}
	return nil
}

func (t *memTransport) Send(_ context.Context, msg *Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.state.load() != StateConnected {
		return ErrNotConnected
	}
	t.hub.publish(msg)
	return nil
}

// Subscribe ignores group; every mem subscriber gets its own copy.
func (t *memTransport) Subscribe(topic, _ string, fn func(*InboundMessage)) (func() error, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.state.load() != StateConnected {
		return nil, ErrNotConnected
	}
	id := t.hub.subscribe(topic, fn)
	t.mu.Lock()
	t.subs[id] = topic
	t.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			t.hub.unsubscribe(topic, id)
		})
		return nil
	}, nil
}

func (t *memTransport) On(ev Event, fn EventHandler) func() {
	return t.events.on(ev, fn)
}

func (t *memTransport) State() ConnectionState {
	return t.state.load()
}

func (t *memTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.events.reset()
	t.state.store(StateClosed)

	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[uint64]string)
	t.mu.Unlock()
	for id, topic := range subs {
		t.hub.unsubscribe(topic, id)
	}
	return nil
}

// disconnect simulates the broker dropping this handle.
func (t *memTransport) disconnect(err error) {
	if t.state.advance(StateDisconnected) {
		t.events.emit(EventDisconnected, err)
	}
}
