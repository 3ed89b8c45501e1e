// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramesRoundTrip(t *testing.T) {
	buf, err := encodeFrames([]byte("orders"), []byte(`{"pattern":"ping"}`))
	require.NoError(t, err)

	frames, err := decodeFrames(buf)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	msg, err := framesMessage(frames)
	require.NoError(t, err)
	require.Equal(t, "orders", msg.Topic)
	require.Equal(t, `{"pattern":"ping"}`, string(msg.Data))

	frames, err = readFrames(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Len(t, frames, 2)
}

func TestFramesWithoutTopic(t *testing.T) {
	buf, err := encodeFrames(messageFrames(&Message{Data: []byte("x")})...)
	require.NoError(t, err)

	msg, err := ReadFrameMessage(buf)
	require.NoError(t, err)
	require.Empty(t, msg.Topic)
	require.Equal(t, "x", string(msg.Data))
}

func TestFramesCarryNoAttributes(t *testing.T) {
	out := &Message{
		Topic:      "orders",
		Data:       []byte(`{"id":"1"}`),
		Attributes: map[string]string{AttrID: "1", AttrReplyTo: "replies"},
	}
	buf, err := encodeFrames(messageFrames(out)...)
	require.NoError(t, err)

	msg, err := ReadFrameMessage(buf)
	require.NoError(t, err)
	require.Equal(t, "orders", msg.Topic)
	require.Empty(t, msg.Attributes)
}

func TestFramesRejectCorrupt(t *testing.T) {
	buf, err := encodeFrames([]byte("a"), []byte("b"))
	require.NoError(t, err)

	_, err = decodeFrames(buf[:len(buf)-1])
	require.ErrorIs(t, err, errInvalidFrame)

	_, err = decodeFrames(buf[:3])
	require.ErrorIs(t, err, errInvalidFrame)

	three, err := encodeFrames([]byte("a"), []byte("b"), []byte("c"))
	require.NoError(t, err)
	_, err = ReadFrameMessage(three)
	require.ErrorIs(t, err, errInvalidFrame)

	_, err = readFrames(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.ErrorIs(t, err, errInvalidFrame)
}
