// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/rpc/v2/json2"
)

const jsonrpcVersion = "2.0"

// JSONRPCSerializer shapes envelopes as JSON-RPC 2.0 objects so that
// responders written against a JSON-RPC library can sit on the other end of
// the topic. A stream is closed by a response with "disposed": true.
type JSONRPCSerializer struct {
	Codec Codec
}

type jsonrpcRequest struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
}

type jsonrpcResponse struct {
	Version  string          `json:"jsonrpc"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *json2.Error    `json:"error,omitempty"`
	ID       string          `json:"id,omitempty"`
	Disposed bool            `json:"disposed,omitempty"`
}

func (s JSONRPCSerializer) codec() Codec {
	if s.Codec == nil {
		return defaultCodec
	}
	return s.Codec
}

func (s JSONRPCSerializer) EncodeRequest(env OutgoingEnvelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, &EncodeError{Pattern: env.Pattern, Err: err}
	}
	params, err := s.codec().Encode(env.Data)
	if err != nil {
		return nil, &EncodeError{Pattern: env.Pattern, Err: fmt.Errorf("encode params: %w", err)}
	}
	out, err := json.Marshal(jsonrpcRequest{
		Version: jsonrpcVersion,
		Method:  env.Pattern,
		Params:  params,
		ID:      env.ID,
	})
	if err != nil {
		return nil, &EncodeError{Pattern: env.Pattern, Err: err}
	}
	return out, nil
}

func (s JSONRPCSerializer) DecodeRequest(data []byte) (Request, error) {
	var req jsonrpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &DecodeError{Err: err}
	}
	if req.Version != jsonrpcVersion {
		return Request{}, &DecodeError{Err: fmt.Errorf("unsupported jsonrpc version %q", req.Version)}
	}
	if req.Method == "" {
		return Request{}, &DecodeError{Err: errMissingPattern}
	}
	return Request{
		Pattern: req.Method,
		Data:    NewValue(req.Params, s.codec()),
		ID:      req.ID,
	}, nil
}

func (s JSONRPCSerializer) EncodeResponse(env IncomingEnvelope) ([]byte, error) {
	resp := jsonrpcResponse{
		Version:  jsonrpcVersion,
		Result:   env.Response.Bytes(),
		ID:       env.ID,
		Disposed: env.IsDisposed,
	}
	if env.Err != nil {
		code := json2.ErrorCode(env.Err.Code)
		if code == 0 {
			code = json2.E_SERVER
		}
		resp.Error = &json2.Error{Code: code, Message: env.Err.Message, Data: env.Err.Data}
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return out, nil
}

func (s JSONRPCSerializer) DecodeResponse(data []byte) (IncomingEnvelope, error) {
	var resp jsonrpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return IncomingEnvelope{}, &DecodeError{Err: err}
	}
	if resp.Version != jsonrpcVersion {
		return IncomingEnvelope{}, &DecodeError{Err: fmt.Errorf("unsupported jsonrpc version %q", resp.Version)}
	}
	env := IncomingEnvelope{
		ID:         resp.ID,
		Response:   NewValue(resp.Result, s.codec()),
		IsDisposed: resp.Disposed,
	}
	if resp.Error != nil {
		env.Err = &RemoteError{
			Code:    int(resp.Error.Code),
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}
	return env, nil
}
