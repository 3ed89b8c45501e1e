// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"bytes"
	"errors"
)

// Kind tags an envelope with its role on the wire.
type Kind uint8

const (
	KindRequest  Kind = iota + 1 // expects a reply, carries an id
	KindEvent                    // fire-and-forget, no id
	KindResponse                 // partial or single reply, stream stays open
	KindError                    // reply carrying an error, terminal
	KindTerminal                 // last reply of a stream
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindEvent:
		return "event"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Attribute keys carried out of band by transports that support headers.
const (
	AttrID      = "id"
	AttrReplyTo = "replyTo"
	AttrPattern = "pattern"
)

var errMissingPattern = errors.New("pattern is required")

// OutgoingEnvelope is what the client hands to the serializer.
type OutgoingEnvelope struct {
	Pattern string
	Data    any
	ID      string
}

func (e OutgoingEnvelope) Kind() Kind {
	if e.ID == "" {
		return KindEvent
	}
	return KindRequest
}

func (e OutgoingEnvelope) validate() error {
	if e.Pattern == "" {
		return errMissingPattern
	}
	return nil
}

// Request is an outgoing envelope as seen by the receiving side.
type Request struct {
	Pattern string
	Data    Value
	ID      string
}

func (r Request) Kind() Kind {
	if r.ID == "" {
		return KindEvent
	}
	return KindRequest
}

// IncomingEnvelope is a decoded response.
type IncomingEnvelope struct {
	ID         string
	Err        *RemoteError
	Response   Value
	IsDisposed bool
}

func (e IncomingEnvelope) Kind() Kind {
	switch {
	case e.Err != nil:
		return KindError
	case e.IsDisposed:
		return KindTerminal
	default:
		return KindResponse
	}
}

func (e IncomingEnvelope) result() Result {
	res := Result{Response: e.Response, IsDisposed: e.IsDisposed}
	if e.Err != nil {
		res.Err = e.Err
	}
	return res
}

// Result is what a pending callback receives.
type Result struct {
	Err        error
	Response   Value
	IsDisposed bool
}

// Terminal reports whether this result ends the reply stream.
func (r Result) Terminal() bool {
	return r.Err != nil || r.IsDisposed
}

// Callback receives every reply for one request.
type Callback func(Result)

// Value is an undecoded payload together with the codec that can decode it.
type Value struct {
	raw   []byte
	codec Codec
}

// NewValue wraps raw bytes; a nil codec means JSON.
func NewValue(raw []byte, codec Codec) Value {
	return Value{raw: raw, codec: codec}
}

var jsonNull = []byte("null")

// IsZero reports an absent or null payload.
func (v Value) IsZero() bool {
	return len(v.raw) == 0 || bytes.Equal(v.raw, jsonNull)
}

// Bytes returns the encoded payload.
func (v Value) Bytes() []byte { return v.raw }

// Decode unmarshals the payload into dst. A zero value leaves dst untouched.
func (v Value) Decode(dst any) error {
	if v.IsZero() {
		return nil
	}
	c := v.codec
	if c == nil {
		c = defaultCodec
	}
	return c.Decode(v.raw, dst)
}

func (v Value) String() string { return string(v.raw) }
