// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) cb(res Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *recorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func TestRouterRegisterUniqueIDs(t *testing.T) {
	r := NewRouter(RouterConfig{})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Register(func(Result) {})
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	require.Equal(t, 100, r.Len())
}

type fixedIDs struct {
	ids []string
	i   int
}

func (f *fixedIDs) Next() string {
	id := f.ids[f.i]
	f.i++
	return id
}

func TestRouterRegisterSkipsPendingID(t *testing.T) {
	r := NewRouter(RouterConfig{IDs: &fixedIDs{ids: []string{"a", "a", "b"}}})
	require.Equal(t, "a", r.Register(func(Result) {}))
	require.Equal(t, "b", r.Register(func(Result) {}))
}

func TestRouterSingleReply(t *testing.T) {
	r := NewRouter(RouterConfig{})
	var rec recorder
	id := r.Register(rec.cb)

	require.True(t, r.Resolve(id, Result{Response: NewValue([]byte(`"pong"`), nil)}))
	require.False(t, r.Resolve(id, Result{Response: NewValue([]byte(`"again"`), nil)}))

	got := rec.all()
	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)
	assert.True(t, got[0].Terminal())
	var s string
	require.NoError(t, got[0].Response.Decode(&s))
	assert.Equal(t, "pong", s)
	assert.Zero(t, r.Len())
}

func TestRouterResolveUnknown(t *testing.T) {
	r := NewRouter(RouterConfig{})
	require.False(t, r.Resolve("nope", Result{IsDisposed: true}))
}

func TestRouterStreaming(t *testing.T) {
	r := NewRouter(RouterConfig{Streaming: true})
	var rec recorder
	id := r.Register(rec.cb)

	require.True(t, r.Resolve(id, Result{Response: NewValue([]byte("1"), nil)}))
	require.True(t, r.Resolve(id, Result{Response: NewValue([]byte("2"), nil)}))
	require.True(t, r.Pending(id))
	require.True(t, r.Resolve(id, Result{IsDisposed: true}))
	require.False(t, r.Pending(id))
	require.False(t, r.Resolve(id, Result{IsDisposed: true}))

	got := rec.all()
	require.Len(t, got, 3)
	assert.False(t, got[0].Terminal())
	assert.False(t, got[1].Terminal())
	assert.True(t, got[2].Terminal())
}

func TestRouterErrorIsTerminal(t *testing.T) {
	r := NewRouter(RouterConfig{Streaming: true})
	var rec recorder
	id := r.Register(rec.cb)

	remote := &RemoteError{Message: "boom"}
	require.True(t, r.Resolve(id, Result{Err: remote}))
	require.False(t, r.Resolve(id, Result{Response: NewValue([]byte("1"), nil)}))

	got := rec.all()
	require.Len(t, got, 1)
	require.ErrorIs(t, got[0].Err, remote)
}

func TestRouterStreamLimit(t *testing.T) {
	t.Run("within bound", func(t *testing.T) {
		r := NewRouter(RouterConfig{Streaming: true, MaxStreamMessages: 2})
		var rec recorder
		id := r.Register(rec.cb)

		require.True(t, r.Resolve(id, Result{Response: NewValue([]byte("1"), nil)}))
		require.True(t, r.Resolve(id, Result{Response: NewValue([]byte("2"), nil)}))
		require.True(t, r.Pending(id))
		require.True(t, r.Resolve(id, Result{IsDisposed: true}))

		got := rec.all()
		require.Len(t, got, 3)
		assert.NoError(t, got[2].Err)
		assert.True(t, got[2].IsDisposed)
		assert.Zero(t, r.Len())
	})

	t.Run("past bound", func(t *testing.T) {
		r := NewRouter(RouterConfig{Streaming: true, MaxStreamMessages: 2})
		var rec recorder
		id := r.Register(rec.cb)

		require.True(t, r.Resolve(id, Result{Response: NewValue([]byte("1"), nil)}))
		require.True(t, r.Resolve(id, Result{Response: NewValue([]byte("2"), nil)}))
		require.False(t, r.Resolve(id, Result{Response: NewValue([]byte("3"), nil)}))
		require.False(t, r.Resolve(id, Result{IsDisposed: true}))

		got := rec.all()
		require.Len(t, got, 3)
		assert.ErrorIs(t, got[2].Err, ErrStreamLimit)
		assert.True(t, got[2].IsDisposed)
		assert.Zero(t, r.Len())
	})
}

func TestRouterFinishFromCallback(t *testing.T) {
	r := NewRouter(RouterConfig{Streaming: true})
	var rec recorder
	var id string
	id = r.Register(func(res Result) {
		rec.cb(res)
		if !res.Terminal() {
			assert.Equal(t, 1, r.DrainAll(ErrClientClosed))
			assert.False(t, r.Fail(id, errors.New("late")))
		}
	})

	done := make(chan bool, 1)
	go func() { done <- r.Resolve(id, Result{Response: NewValue([]byte("1"), nil)}) }()

	select {
	case handled := <-done:
		require.True(t, handled)
	case <-time.After(5 * time.Second):
		t.Fatal("resolve blocked on a callback that drained its own entry")
	}

	got := rec.all()
	require.Len(t, got, 2)
	assert.False(t, got[0].Terminal())
	assert.ErrorIs(t, got[1].Err, ErrClientClosed)
	assert.False(t, r.Resolve(id, Result{IsDisposed: true}))
}

func TestRouterDeregister(t *testing.T) {
	r := NewRouter(RouterConfig{})
	var rec recorder
	id := r.Register(rec.cb)

	r.Deregister(id)
	r.Deregister(id)
	require.False(t, r.Resolve(id, Result{IsDisposed: true}))
	require.Empty(t, rec.all())
}

func TestRouterDeregisterInsideCallback(t *testing.T) {
	r := NewRouter(RouterConfig{Streaming: true})
	var (
		id    string
		calls int
	)
	id = r.Register(func(Result) {
		calls++
		r.Deregister(id)
	})
	require.True(t, r.Resolve(id, Result{Response: NewValue([]byte("1"), nil)}))
	require.False(t, r.Resolve(id, Result{Response: NewValue([]byte("2"), nil)}))
	require.Equal(t, 1, calls)
}

func TestRouterFail(t *testing.T) {
	r := NewRouter(RouterConfig{})
	var rec recorder
	id := r.Register(rec.cb)

	sendErr := errors.New("send failed")
	require.True(t, r.Fail(id, sendErr))
	require.False(t, r.Fail(id, sendErr))

	got := rec.all()
	require.Len(t, got, 1)
	require.ErrorIs(t, got[0].Err, sendErr)
}

func TestRouterDrainAll(t *testing.T) {
	r := NewRouter(RouterConfig{})
	var rec recorder
	for i := 0; i < 5; i++ {
		r.Register(rec.cb)
	}

	require.Equal(t, 5, r.DrainAll(ErrClientClosed))
	require.Zero(t, r.Len())
	for _, res := range rec.all() {
		require.ErrorIs(t, res.Err, ErrClientClosed)
	}
	require.Len(t, rec.all(), 5)
	require.Zero(t, r.DrainAll(ErrClientClosed))
}

func TestRouterTimeout(t *testing.T) {
	expired := make(chan string, 1)
	r := NewRouter(RouterConfig{
		Timeout:  20 * time.Millisecond,
		OnExpire: func(id string) { expired <- id },
	})
	done := make(chan Result, 1)
	id := r.Register(func(res Result) { done <- res })

	select {
	case res := <-done:
		var te *TimeoutError
		require.ErrorAs(t, res.Err, &te)
		assert.Equal(t, id, te.ID)
		assert.True(t, te.Timeout())
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
	require.Equal(t, id, <-expired)
	require.False(t, r.Resolve(id, Result{IsDisposed: true}))
}

func TestRouterResolveStopsTimer(t *testing.T) {
	r := NewRouter(RouterConfig{Timeout: 20 * time.Millisecond})
	var rec recorder
	id := r.Register(rec.cb)
	require.True(t, r.Resolve(id, Result{IsDisposed: true}))

	time.Sleep(60 * time.Millisecond)
	require.Len(t, rec.all(), 1)
	require.NoError(t, rec.all()[0].Err)
}

func TestRouterConcurrentResolve(t *testing.T) {
	r := NewRouter(RouterConfig{})
	var rec recorder
	id := r.Register(rec.cb)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Resolve(id, Result{IsDisposed: true})
		}()
	}
	wg.Wait()
	require.Len(t, rec.all(), 1)
}
