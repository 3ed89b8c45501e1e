// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWSServer(t *testing.T) (string, chan *InboundMessage) {
	t.Helper()
	received := make(chan *InboundMessage, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Client") != "orders" {
			http.Error(w, "missing client header", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			msg, err := ReadFrameMessage(data)
			if err != nil {
				continue
			}
			received <- msg
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc", received
}

func TestWSTransportSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, received := startWSServer(t)
	header := http.Header{"X-Client": []string{"orders"}}

	tr, err := Dial(ctx, url, WithHeader(header), WithHandshakeTimeout(time.Second))
	require.NoError(t, err)
	defer tr.Close()
	require.Equal(t, StateConnected, tr.State())

	require.NoError(t, tr.Send(ctx, &Message{Topic: "orders", Data: []byte(`{"pattern":"ping"}`)}))

	select {
	case msg := <-received:
		assert.Equal(t, "orders", msg.Topic)
		assert.Equal(t, `{"pattern":"ping"}`, string(msg.Data))
	case <-ctx.Done():
		t.Fatal("message not received")
	}

	require.NoError(t, tr.Close())
	require.Equal(t, StateClosed, tr.State())
}

func TestWSTransportHandshakeRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url, _ := startWSServer(t)

	_, err := Dial(ctx, url)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "403")
}

func TestWSTransportServerGone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	tr, err := NewTransport("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer tr.Close()

	disconnected := make(chan error, 1)
	tr.On(EventDisconnected, func(_ Event, err error) { disconnected <- err })
	require.NoError(t, tr.Connect(ctx))

	select {
	case err := <-disconnected:
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("disconnect not observed")
	}
}
