// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected     = errors.New("psrpc: not connected")
	ErrClosed           = errors.New("psrpc: transport closed")
	ErrClientClosed     = errors.New("psrpc: client closed")
	ErrStreamLimit      = errors.New("psrpc: response stream limit reached")
	ErrRateLimited      = errors.New("psrpc: rate limited")
	ErrUnknownTransport = errors.New("psrpc: unknown transport")
	ErrMissingID        = errors.New("psrpc: missing correlation id")
)

var errNilMessage = errors.New("psrpc: nil message")

// ConnectionError reports a transport that is unreachable, or one that is
// not connected when an operation needs it.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("psrpc %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("psrpc %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EncodeError wraps a serializer failure on the outgoing path.
type EncodeError struct {
	Pattern string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("psrpc: encode %q: %v", e.Pattern, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError wraps a serializer failure on the inbound path.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "psrpc: decode: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// UnknownCorrelationError is returned by HandleResponse when no caller is
// waiting for the id. It is informational; the message should be
// negatively acknowledged upstream.
type UnknownCorrelationError struct {
	ID string
}

func (e *UnknownCorrelationError) Error() string {
	return fmt.Sprintf("psrpc: no pending request for id %q", e.ID)
}

// CorrelationMismatchError is returned when the transport attribute id and
// the payload id are both present and differ.
type CorrelationMismatchError struct {
	AttributeID string
	PayloadID   string
}

func (e *CorrelationMismatchError) Error() string {
	return fmt.Sprintf("psrpc: correlation id mismatch: attribute %q, payload %q", e.AttributeID, e.PayloadID)
}

// TimeoutError is delivered to a pending callback whose deadline expired.
type TimeoutError struct {
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("psrpc: request %s timed out after %s", e.ID, e.After)
}

// Timeout lets callers treat the error like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// RemoteError is the error value carried inside a response envelope.
type RemoteError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// UnmarshalJSON accepts both a bare string and an object, since responders
// commonly send either.
func (e *RemoteError) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = RemoteError{Message: s}
		return nil
	}
	type plain RemoteError
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = RemoteError(p)
	return nil
}
