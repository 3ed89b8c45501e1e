// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// natsURL returns the broker used by the NATS tests, skipping when none is
// configured.
func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("PSRPC_NATS_URL")
	if url == "" {
		t.Skip("PSRPC_NATS_URL not set")
	}
	return url
}

func TestNATSHeaderAttributes(t *testing.T) {
	h := nats.Header{}
	h.Set(AttrID, "1")
	h.Set(AttrReplyTo, "replies")
	h.Add(AttrPattern, "ping")
	h.Add(AttrPattern, "ignored")

	attrs := headerAttributes(h)
	assert.Equal(t, map[string]string{
		AttrID:      "1",
		AttrReplyTo: "replies",
		AttrPattern: "ping",
	}, attrs)
	assert.Nil(t, headerAttributes(nil))
}

func TestNATSSendRequiresSubject(t *testing.T) {
	tr, err := NewTransport("nats://127.0.0.1:4222")
	require.NoError(t, err)
	require.ErrorIs(t, tr.Send(context.Background(), &Message{Data: []byte("x")}), errSubjectRequired)
	require.NoError(t, tr.Close())
}

func TestNATSClientCall(t *testing.T) {
	url := natsURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	suffix := time.Now().Format("150405.000000")
	topic := "psrpc.test.requests." + suffix
	replies := "psrpc.test.replies." + suffix

	server, err := Dial(ctx, url, WithClientName("psrpc-test-responder"))
	require.NoError(t, err)
	defer server.Close()

	s := JSONSerializer{}
	_, err = server.(Subscriber).Subscribe(topic, "responders", func(m *InboundMessage) {
		req, err := s.DecodeRequest(m.Data)
		if err != nil {
			return
		}
		b, _ := s.EncodeResponse(IncomingEnvelope{Response: req.Data, IsDisposed: true})
		_ = server.Send(ctx, &Message{
			Topic:      m.Attributes[AttrReplyTo],
			Data:       b,
			Attributes: map[string]string{AttrID: m.Attributes[AttrID]},
		})
	})
	require.NoError(t, err)

	c, err := NewClient(ClientConfig{
		Address:           url,
		Topic:             topic,
		ReplyTopic:        replies,
		ReplySubscription: "clients",
		AutoInit:          true,
		RequestTimeout:    5 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Connect(ctx)
	require.NoError(t, err)

	var echo string
	require.NoError(t, c.Call(ctx, "echo", "hello", &echo))
	require.Equal(t, "hello", echo)
}
