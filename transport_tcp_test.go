// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFrameListener(t *testing.T) (*FrameListener, chan *InboundMessage) {
	t.Helper()
	received := make(chan *InboundMessage, 16)
	ln, err := ListenFrames("127.0.0.1:0", func(m *InboundMessage) { received <- m })
	require.NoError(t, err)
	go ln.Serve()
	t.Cleanup(func() { _ = ln.Close() })
	return ln, received
}

func TestTCPTransportSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, received := startFrameListener(t)

	tr, err := NewTransport(ln.Addr().String())
	require.NoError(t, err)
	defer tr.Close()

	var events []Event
	for _, ev := range []Event{EventPeerAccepted, EventListening} {
		tr.On(ev, func(ev Event, _ error) { events = append(events, ev) })
	}
	require.Equal(t, StateDisconnected, tr.State())
	require.NoError(t, tr.Connect(ctx))
	require.Equal(t, StateConnected, tr.State())
	require.Equal(t, []Event{EventPeerAccepted, EventListening}, events)

	require.NoError(t, tr.Send(ctx, &Message{Topic: "orders", Data: []byte("hello world")}))

	select {
	case msg := <-received:
		assert.Equal(t, "orders", msg.Topic)
		assert.Equal(t, "hello world", string(msg.Data))
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}

func TestTCPTransportClientPublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, received := startFrameListener(t)

	c, err := NewClient(ClientConfig{Address: "tcp://" + ln.Addr().String(), Topic: "orders"})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Connect(ctx)
	require.NoError(t, err)

	c.Publish(ctx, "ping", map[string]any{}, func(Result) {})

	select {
	case msg := <-received:
		req, err := JSONSerializer{}.DecodeRequest(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, "ping", req.Pattern)
		assert.Equal(t, "1", req.ID)
	case <-ctx.Done():
		t.Fatal("request not received")
	}
}

func TestTCPTransportDisconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, received := startFrameListener(t)

	tr, err := NewTransport(ln.Addr().String())
	require.NoError(t, err)
	defer tr.Close()

	disconnected := make(chan error, 1)
	tr.On(EventDisconnected, func(_ Event, err error) { disconnected <- err })
	require.NoError(t, tr.Connect(ctx))

	// Wait until the listener has accepted the connection.
	require.NoError(t, tr.Send(ctx, &Message{Data: []byte("hello")}))
	select {
	case <-received:
	case <-ctx.Done():
		t.Fatal("message not received")
	}
	require.NoError(t, ln.Close())

	select {
	case err := <-disconnected:
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("disconnect not observed")
	}
	require.Equal(t, StateDisconnected, tr.State())
	require.ErrorIs(t, tr.Send(ctx, &Message{Data: []byte("x")}), ErrNotConnected)
}

func TestTCPTransportConnectRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, _ := startFrameListener(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err := Dial(ctx, addr)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "connect", ce.Op)
}

func TestTCPTransportClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, _ := startFrameListener(t)
	tr, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.Equal(t, StateClosed, tr.State())
	require.ErrorIs(t, tr.Send(ctx, &Message{Data: []byte("x")}), ErrClosed)
	require.ErrorIs(t, tr.Connect(ctx), ErrClosed)
}
