// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway exposes a psrpc client over JSON-RPC 2.0 on HTTP and
// reports its connection health over gRPC.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/psrpc"
)

// ServiceName is the JSON-RPC namespace of the bridge methods.
const ServiceName = "psrpc"

// Error codes returned by the bridge in addition to the json2 ones.
const (
	ErrCodeTimeout      json2.ErrorCode = -32001
	ErrCodeNotConnected json2.ErrorCode = -32002
	ErrCodeRateLimited  json2.ErrorCode = -32003
)

// Caller is the part of a psrpc client the bridge needs.
type Caller interface {
	Call(ctx context.Context, pattern string, args, reply any) error
	DispatchEvent(ctx context.Context, pattern string, data any)
	State() psrpc.ConnectionState
	Pending() int
}

// Bridge forwards JSON-RPC calls to a pub/sub topic.
type Bridge struct {
	caller      Caller
	callTimeout time.Duration
	log         *slog.Logger
}

func NewBridge(caller Caller, callTimeout time.Duration, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		caller:      caller,
		callTimeout: callTimeout,
		log:         log.With("component", "gateway"),
	}
}

type PublishArgs struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type PublishReply struct {
	Response json.RawMessage `json:"response,omitempty"`
}

type DispatchReply struct {
	Accepted bool `json:"accepted"`
}

type StatusArgs struct{}

type StatusReply struct {
	State   string `json:"state"`
	Pending int    `json:"pending"`
}

// Publish sends a request and waits for its terminal reply.
func (b *Bridge) Publish(r *http.Request, args *PublishArgs, reply *PublishReply) error {
	if args.Pattern == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "pattern is required"}
	}
	ctx := r.Context()
	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	var resp json.RawMessage
	if err := b.caller.Call(ctx, args.Pattern, payload(args.Data), &resp); err != nil {
		b.log.Warn("bridge call failed", "pattern", args.Pattern, "error", err)
		return rpcError(err)
	}
	reply.Response = resp
	return nil
}

// Dispatch sends a fire-and-forget event. Delivery is best effort, so the
// only failure reported is a disconnected client.
func (b *Bridge) Dispatch(r *http.Request, args *PublishArgs, reply *DispatchReply) error {
	if args.Pattern == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "pattern is required"}
	}
	if b.caller.State() != psrpc.StateConnected {
		return &json2.Error{Code: ErrCodeNotConnected, Message: psrpc.ErrNotConnected.Error()}
	}
	b.caller.DispatchEvent(r.Context(), args.Pattern, payload(args.Data))
	reply.Accepted = true
	return nil
}

// Status reports the client connection state.
func (b *Bridge) Status(_ *http.Request, _ *StatusArgs, reply *StatusReply) error {
	reply.State = b.caller.State().String()
	reply.Pending = b.caller.Pending()
	return nil
}

// NewHandler serves the bridge as JSON-RPC 2.0 over HTTP POST.
func NewHandler(b *Bridge) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(b, ServiceName); err != nil {
		return nil, err
	}
	return server, nil
}

// payload keeps an absent data field absent instead of sending raw empty
// bytes to the codec.
func payload(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return data
}

func rpcError(err error) *json2.Error {
	var (
		remote  *psrpc.RemoteError
		timeout *psrpc.TimeoutError
	)
	switch {
	case errors.As(err, &remote):
		code := json2.ErrorCode(remote.Code)
		if code == 0 {
			code = json2.E_SERVER
		}
		return &json2.Error{Code: code, Message: remote.Message, Data: remote.Data}
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return &json2.Error{Code: ErrCodeTimeout, Message: err.Error()}
	case errors.Is(err, psrpc.ErrNotConnected):
		return &json2.Error{Code: ErrCodeNotConnected, Message: err.Error()}
	case errors.Is(err, psrpc.ErrRateLimited):
		return &json2.Error{Code: ErrCodeRateLimited, Message: err.Error()}
	default:
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
}
