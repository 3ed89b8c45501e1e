// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package psrpc provides a request/response RPC client on top of one-way
// publish/subscribe transports.
//
// # Transport Selection
//
// The transport is chosen from the address scheme:
//
//	tcp://host:port     multipart frames over TCP (default for host:port)
//	ws://host/path      one binary WebSocket message per frame set
//	nats://host:4222    NATS subjects, attributes carried as headers
//	mem://name          in-process hub, for tests and embedding
//
// Only nats and mem carry Message.Attributes. The tcp and ws framing holds
// a topic and a payload, so a responder on those transports sees neither
// the reply topic nor the attribute id and must rely on the id inside the
// payload and a reply topic agreed out of band.
//
// # Usage
//
//	client, err := psrpc.NewClient(psrpc.ClientConfig{
//	    Address:    "nats://localhost:4222",
//	    Topic:      "orders",
//	    ReplyTopic: "orders.replies",
//	    AutoInit:   true,
//	    NoAck:      true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Fire-and-forget, best effort
//	client.DispatchEvent(ctx, "order.seen", order)
//
//	// Request/response with a callback, possibly streamed
//	teardown := client.Publish(ctx, "order.quote", order, func(res psrpc.Result) {
//	    ...
//	})
//	defer teardown()
//
//	// Blocking call
//	var quote Quote
//	err = client.Call(ctx, "order.quote", order, &quote)
//
// When the reply channel is owned elsewhere, pass every received message to
// Client.HandleResponse (or Client.HandleReply to get the acknowledgement
// policy as well).
//
// # Architecture
//
//   - transport.go: Transport interface, registry, Dial
//   - transport_*.go: tcp, ws, nats and mem transports
//   - serializer.go: Serializer interface and envelope codecs
//   - router.go: correlation id to pending callback routing
//   - client.go: the Client facade
package psrpc
