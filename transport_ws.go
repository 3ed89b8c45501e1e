// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseGrace = time.Second

// wsTransport publishes multipart frame sets as binary WebSocket messages.
type wsTransport struct {
	url  string
	opts *dialOptions

	conn     *websocket.Conn
	writeMu  sync.Mutex
	state    stateBox
	events   emitter
	opened   atomic.Bool
	closed   atomic.Bool
	readDone chan struct{}
}

func newWSTransport(u *url.URL, o *dialOptions) (Transport, error) {
	return &wsTransport{
		url:      u.String(),
		opts:     o,
		readDone: make(chan struct{}),
	}, nil
}

func (t *wsTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return &ConnectionError{Op: "connect", Addr: t.url, Err: ErrClosed}
	}
	if !t.opened.CompareAndSwap(false, true) {
		return nil
	}
	t.state.advance(StateConnecting)

	ctx, cancel := handshakeContext(ctx, t.opts)
	defer cancel()

	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: t.opts.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, t.url, t.opts.header)
	if err != nil {
		t.state.advance(StateDisconnected)
		if resp != nil {
			err = fmt.Errorf("%w (status: %s)", err, resp.Status)
		}
		return &ConnectionError{Op: "connect", Addr: t.url, Err: err}
	}
	t.conn = conn
	t.events.emit(EventPeerAccepted, nil)

	if t.state.advance(StateConnected) {
		t.events.emit(EventListening, nil)
	}
	go t.readLoop()
	return nil
}

// readLoop drains control frames and detects the peer going away.
func (t *wsTransport) readLoop() {
	defer close(t.readDone)
	var err error
	for {
		if _, _, err = t.conn.ReadMessage(); err != nil {
			break
		}
	}
	if t.closed.Load() {
		return
	}
	if t.state.advance(StateDisconnected) {
		t.events.emit(EventDisconnected, err)
	}
}

func (t *wsTransport) Send(ctx context.Context, msg *Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.state.load() != StateConnected {
		return ErrNotConnected
	}
	buf, err := encodeFrames(messageFrames(msg)...)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (t *wsTransport) On(ev Event, fn EventHandler) func() {
	return t.events.on(ev, fn)
}

func (t *wsTransport) State() ConnectionState {
	return t.state.load()
}

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.events.reset()
	t.state.store(StateClosed)
	if t.conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseGrace),
	)
	t.writeMu.Unlock()

	err := t.conn.Close()
	<-t.readDone
	return err
}

// ReadFrameMessage decodes one binary WebSocket payload written by the ws
// transport. Receivers use it on the server side of the socket.
func ReadFrameMessage(data []byte) (*InboundMessage, error) {
	frames, err := decodeFrames(data)
	if err != nil {
		return nil, err
	}
	return framesMessage(frames)
}
