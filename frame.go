// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxMessageSize bounds one multipart message on the wire.
const maxMessageSize = 64 * 1024 * 1024

var errInvalidFrame = errors.New("psrpc: invalid frame")

// A multipart message is encoded as
//
//	[4 msgLen][2 frameCount]{[4 frameLen][frame]}...
//
// and carries either [payload] or [topic][payload].

func encodeFrames(frames ...[]byte) ([]byte, error) {
	msgLen := 2
	for _, f := range frames {
		msgLen += 4 + len(f)
	}
	if msgLen > maxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds limit", errInvalidFrame, msgLen)
	}

	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(frames)))
	off := 6
	for _, f := range frames {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(f)))
		off += 4
		copy(buf[off:], f)
		off += len(f)
	}
	return buf, nil
}

// decodeFrames parses one complete encoded message, length prefix included.
func decodeFrames(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, errInvalidFrame
	}
	msgLen := binary.BigEndian.Uint32(buf[0:4])
	if int(msgLen) != len(buf)-4 {
		return nil, errInvalidFrame
	}
	return splitFrames(buf[4:])
}

func splitFrames(msg []byte) ([][]byte, error) {
	if len(msg) < 2 {
		return nil, errInvalidFrame
	}
	count := int(binary.BigEndian.Uint16(msg[0:2]))
	frames := make([][]byte, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if len(msg) < off+4 {
			return nil, errInvalidFrame
		}
		n := int(binary.BigEndian.Uint32(msg[off : off+4]))
		off += 4
		if len(msg) < off+n {
			return nil, errInvalidFrame
		}
		frames = append(frames, msg[off:off+n])
		off += n
	}
	if off != len(msg) {
		return nil, errInvalidFrame
	}
	return frames, nil
}

// readFrames reads one multipart message from r.
func readFrames(r io.Reader) ([][]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 || msgLen > maxMessageSize {
		return nil, errInvalidFrame
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return splitFrames(msg)
}

func messageFrames(msg *Message) [][]byte {
	if msg.Topic == "" {
		return [][]byte{msg.Data}
	}
	return [][]byte{[]byte(msg.Topic), msg.Data}
}

func framesMessage(frames [][]byte) (*InboundMessage, error) {
	switch len(frames) {
	case 1:
		return &InboundMessage{Data: frames[0]}, nil
	case 2:
		return &InboundMessage{Topic: string(frames[0]), Data: frames[1]}, nil
	default:
		return nil, fmt.Errorf("%w: %d frames", errInvalidFrame, len(frames))
	}
}
