// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"sync"
	"sync/atomic"
)

// Event is a transport lifecycle notification.
type Event uint8

const (
	EventListening    Event = iota + 1 // ready to send
	EventPeerAccepted                  // remote end accepted the connection
	EventDisconnected                  // connection lost or closed by the peer
)

func (e Event) String() string {
	switch e {
	case EventListening:
		return "listening"
	case EventPeerAccepted:
		return "peer_accepted"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// EventHandler receives lifecycle events. err carries the cause of a
// disconnect and is nil otherwise.
type EventHandler func(ev Event, err error)

// ConnectionState is the state of one transport handle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// emitter fans events out to registered handlers. Each registration gets its
// own handle, so unbinding never depends on comparing funcs.
type emitter struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[Event]map[uint64]EventHandler
}

func (e *emitter) on(ev Event, fn EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Event]map[uint64]EventHandler)
	}
	if e.handlers[ev] == nil {
		e.handlers[ev] = make(map[uint64]EventHandler)
	}
	e.nextID++
	id := e.nextID

	e.handlers[ev][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers[ev], id)
		})
	}
}

func (e *emitter) emit(ev Event, err error) {
	e.mu.Lock()
	fns := make([]EventHandler, 0, len(e.handlers[ev]))
	for _, fn := range e.handlers[ev] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev, err)
	}
}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, hs := range e.handlers {
		n += len(hs)
	}
	return n
}

// reset drops every handler.
func (e *emitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}

type stateBox struct {
	v atomic.Int32
}

func (s *stateBox) load() ConnectionState { return ConnectionState(s.v.Load()) }

func (s *stateBox) store(st ConnectionState) { s.v.Store(int32(st)) }

// advance moves to next unless the handle is already closed.
func (s *stateBox) advance(next ConnectionState) bool {
	for {
		cur := s.v.Load()
		if ConnectionState(cur) == StateClosed {
			return false
		}
		if s.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
