// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"encoding/json"
	"fmt"
)

// Serializer converts envelopes to and from wire bytes. Every byte the client
// sends or receives passes through the configured Serializer.
type Serializer interface {
	EncodeRequest(env OutgoingEnvelope) ([]byte, error)
	DecodeRequest(data []byte) (Request, error)
	EncodeResponse(env IncomingEnvelope) ([]byte, error)
	DecodeResponse(data []byte) (IncomingEnvelope, error)
}

// JSONSerializer writes the {pattern, data, id} / {id, err, response,
// isDisposed} envelope shape. Codec encodes the data and response fields
// and must produce JSON; the zero value uses JSONCodec.
type JSONSerializer struct {
	Codec Codec
}

type jsonRequest struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data,omitempty"`
	ID      string          `json:"id,omitempty"`
}

type jsonResponse struct {
	ID         string          `json:"id,omitempty"`
	Err        *RemoteError    `json:"err,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	IsDisposed bool            `json:"isDisposed,omitempty"`
}

func (s JSONSerializer) codec() Codec {
	if s.Codec == nil {
		return defaultCodec
	}
	return s.Codec
}

func (s JSONSerializer) EncodeRequest(env OutgoingEnvelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, &EncodeError{Pattern: env.Pattern, Err: err}
	}
	data, err := s.codec().Encode(env.Data)
	if err != nil {
		return nil, &EncodeError{Pattern: env.Pattern, Err: fmt.Errorf("encode data: %w", err)}
	}
	out, err := json.Marshal(jsonRequest{Pattern: env.Pattern, Data: data, ID: env.ID})
	if err != nil {
		return nil, &EncodeError{Pattern: env.Pattern, Err: err}
	}
	return out, nil
}

func (s JSONSerializer) DecodeRequest(data []byte) (Request, error) {
	var req jsonRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &DecodeError{Err: err}
	}
	if req.Pattern == "" {
		return Request{}, &DecodeError{Err: errMissingPattern}
	}
	return Request{
		Pattern: req.Pattern,
		Data:    NewValue(req.Data, s.codec()),
		ID:      req.ID,
	}, nil
}

func (s JSONSerializer) EncodeResponse(env IncomingEnvelope) ([]byte, error) {
	out, err := json.Marshal(jsonResponse{
		ID:         env.ID,
		Err:        env.Err,
		Response:   env.Response.Bytes(),
		IsDisposed: env.IsDisposed,
	})
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return out, nil
}

func (s JSONSerializer) DecodeResponse(data []byte) (IncomingEnvelope, error) {
	var resp jsonResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return IncomingEnvelope{}, &DecodeError{Err: err}
	}
	return IncomingEnvelope{
		ID:         resp.ID,
		Err:        resp.Err,
		Response:   NewValue(resp.Response, s.codec()),
		IsDisposed: resp.IsDisposed,
	}, nil
}
