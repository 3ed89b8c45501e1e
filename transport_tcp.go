// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// tcpTransport is a publish-only socket writing multipart frames.
type tcpTransport struct {
	addr string
	opts *dialOptions

	conn     net.Conn
	writeMu  sync.Mutex
	state    stateBox
	events   emitter
	opened   atomic.Bool
	closed   atomic.Bool
	readDone chan struct{}
}

func newTCPTransport(u *url.URL, o *dialOptions) (Transport, error) {
	return &tcpTransport{
		addr:     u.Host,
		opts:     o,
		readDone: make(chan struct{}),
	}, nil
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return &ConnectionError{Op: "connect", Addr: t.addr, Err: ErrClosed}
	}
	if !t.opened.CompareAndSwap(false, true) {
		return nil
	}
	t.state.advance(StateConnecting)

	ctx, cancel := handshakeContext(ctx, t.opts)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		t.state.advance(StateDisconnected)
		return &ConnectionError{Op: "connect", Addr: t.addr, Err: err}
	}
	t.conn = conn
	t.events.emit(EventPeerAccepted, nil)

	if t.state.advance(StateConnected) {
		t.events.emit(EventListening, nil)
	}
	go t.readLoop()
	return nil
}

// readLoop only watches for the peer going away; a publish socket never
// expects inbound data.
func (t *tcpTransport) readLoop() {
	defer close(t.readDone)
	_, err := io.Copy(io.Discard, t.conn)
	if t.closed.Load() {
		return
	}
	if err == nil {
		err = io.EOF
	}
	if t.state.advance(StateDisconnected) {
		t.events.emit(EventDisconnected, err)
	}
}

func (t *tcpTransport) Send(ctx context.Context, msg *Message) error {
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
	if _, err := t.conn.Write(buf); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (t *tcpTransport) On(ev Event, fn EventHandler) func() {
	return t.events.on(ev, fn)
}

func (t *tcpTransport) State() ConnectionState {
	return t.state.load()
}

// Close closes the connection
func (t *tcpTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.events.reset()
	t.state.store(StateClosed)
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	<-t.readDone
	return err
}

// FrameListener is the receiving end of the tcp transport: it accepts
// publisher connections and hands every multipart message to a handler.
type FrameListener struct {
	listener net.Listener
	handler  func(*InboundMessage)
	conns    sync.Map
	closed   atomic.Bool
}

// ListenFrames listens on addr. Call Serve to start accepting.
func ListenFrames(addr string, handler func(*InboundMessage)) (*FrameListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &FrameListener{listener: ln, handler: handler}, nil
}

// Serve accepts connections until Close is called.
func (l *FrameListener) Serve() error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *FrameListener) handleConn(conn net.Conn) {
	defer conn.Close()
	l.conns.Store(conn, struct{}{})
	defer l.conns.Delete(conn)

	for {
		frames, err := readFrames(conn)
		if err != nil {
			return
		}
		msg, err := framesMessage(frames)
		if err != nil {
			continue
		}
		l.handler(msg)
	}
}

// Close stops the listener and drops every connection.
func (l *FrameListener) Close() error {
	l.closed.Store(true)
	l.conns.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	return l.listener.Close()
}

// Addr returns the listener address
func (l *FrameListener) Addr() net.Addr {
	return l.listener.Addr()
}
