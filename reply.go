// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package psrpc

import (
	"errors"
	"fmt"
)

// HandleReply runs HandleResponse and acknowledges the message: unhandled
// replies are nacked, handled ones are acked when NoAck is set, and a
// failure is nacked when NoAck is set.
func (c *Client) HandleReply(msg *InboundMessage) {
	if msg == nil {
		return
	}
	handled, err := c.HandleResponse(msg)

	var unknown *UnknownCorrelationError
	switch {
	case err != nil && !errors.As(err, &unknown):
		c.log.Error("psrpc reply rejected", "topic", msg.Topic, "error", err)
		if c.cfg.NoAck {
			msg.Nack()
		}
	case !handled:
		c.log.Debug("psrpc reply without pending request", "topic", msg.Topic, "error", err)
		msg.Nack()
	case c.cfg.NoAck:
		msg.Ack()
	}
}

func (c *Client) subscribeReplies(t Transport) (func() error, error) {
	sub, ok := t.(Subscriber)
	if !ok {
		return nil, fmt.Errorf("transport %T cannot subscribe", t)
	}
	return sub.Subscribe(c.cfg.ReplyTopic, c.cfg.ReplySubscription, c.HandleReply)
}
