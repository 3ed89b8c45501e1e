// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"sync"
	"time"
)

// RouterConfig configures a Router.
type RouterConfig struct {
	// IDs allocates correlation ids. Defaults to a SequenceGenerator.
	IDs IDGenerator
	// Timeout bounds how long a request may stay pending. Zero disables it.
	Timeout time.Duration
	// Streaming keeps a callback registered across non-terminal replies.
	// Without it the first reply of any kind ends the request.
	Streaming bool
	// MaxStreamMessages bounds the number of non-terminal replies delivered
	// to one streaming callback. One more ends the stream with
	// ErrStreamLimit. Zero means unbounded.
	MaxStreamMessages int
	// OnExpire is called after a deadline fires.
	OnExpire func(id string)
}

// Router owns the routing map from correlation id to pending callback.
// Every entry is removed exactly once and, unless the caller cancelled it,
// its callback sees a terminal Result.
type Router struct {
	ids       IDGenerator
	timeout   time.Duration
	streaming bool
	maxStream int
	onExpire  func(string)

	mu      sync.Mutex
	pending map[string]*pendingCall
}

type pendingCall struct {
	cb       Callback
	timer    *time.Timer
	partials int

	// mu guards the delivery state. cb always runs without it held.
	mu      sync.Mutex
	done    bool
	running bool
	queue   []Result
}

// deliver hands res to the callback unless the entry is already finished.
// Invocations are serialized: when another delivery is running, res is
// queued and that delivery runs it after the current callback returns, so
// a callback may finish its own entry (for example by closing the client)
// without blocking. A final delivery marks the entry finished.
func (p *pendingCall) deliver(res Result, final bool) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	if final {
		p.done = true
	}
	p.queue = append(p.queue, res)
	if p.running {
		p.mu.Unlock()
		return true
	}
	p.running = true
	for len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.cb(next)
		p.mu.Lock()
	}
	p.running = false
	p.mu.Unlock()
	return true
}

// cancel finishes the entry and drops anything not yet delivered.
func (p *pendingCall) cancel() {
	p.mu.Lock()
	p.done = true
	p.queue = nil
	p.mu.Unlock()
}

// NewRouter returns an empty router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.IDs == nil {
		cfg.IDs = &SequenceGenerator{}
	}
	return &Router{
		ids:       cfg.IDs,
		timeout:   cfg.Timeout,
		streaming: cfg.Streaming,
		maxStream: cfg.MaxStreamMessages,
		onExpire:  cfg.OnExpire,
		pending:   make(map[string]*pendingCall),
	}
}

// Register stores cb under a fresh id and returns it.
func (r *Router) Register(cb Callback) string {
	p := &pendingCall{cb: cb}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.ids.Next()
	for r.pending[id] != nil {
		id = r.ids.Next()
	}
	r.pending[id] = p
	if r.timeout > 0 {
		p.timer = time.AfterFunc(r.timeout, func() { r.expire(id, p) })
	}
	return id
}

// Resolve routes res to the callback registered under id. It returns false
// when no caller is waiting. Terminal results remove the entry before the
// callback runs; outside streaming mode every result is made terminal.
func (r *Router) Resolve(id string, res Result) bool {
	if !r.streaming && !res.Terminal() {
		res.IsDisposed = true
	}

	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	final := res.Terminal()
	overflow := false
	if !final && r.maxStream > 0 {
		p.partials++
		overflow = p.partials > r.maxStream
	}
	if final || overflow {
		r.removeLocked(id, p)
	}
	r.mu.Unlock()

	if overflow {
		// The reply past the bound is dropped and the stream is closed.
		p.deliver(Result{Err: ErrStreamLimit, IsDisposed: true}, true)
		return false
	}
	return p.deliver(res, final)
}

// Deregister cancels a pending request without invoking its callback.
// Calling it more than once, or after resolution, is a no-op.
func (r *Router) Deregister(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		r.removeLocked(id, p)
	}
	r.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// Fail removes the entry and invokes its callback once with err.
func (r *Router) Fail(id string, err error) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		r.removeLocked(id, p)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return p.deliver(Result{Err: err}, true)
}

// DrainAll fails every pending callback with err and empties the map.
// It returns the number of callbacks invoked.
func (r *Router) DrainAll(err error) int {
	r.mu.Lock()
	drained := r.pending
	r.pending = make(map[string]*pendingCall)
	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	r.mu.Unlock()

	n := 0
	for _, p := range drained {
		if p.deliver(Result{Err: err}, true) {
			n++
		}
	}
	return n
}

// Len returns the number of pending requests.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending reports whether id is waiting for a reply.
func (r *Router) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

func (r *Router) expire(id string, p *pendingCall) {
	r.mu.Lock()
	if r.pending[id] != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.mu.Unlock()

	if p.deliver(Result{Err: &TimeoutError{ID: id, After: r.timeout}}, true) && r.onExpire != nil {
		r.onExpire(id)
	}
}

func (r *Router) removeLocked(id string, p *pendingCall) {
	delete(r.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
}
