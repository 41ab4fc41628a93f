package natscore

// Package natscore provides a NATS JetStream Transport for meshbus, using a
// durable pull consumer named after the consumer group and filtered to the
// path's subject.
//
// Transport name: "nats-jetstream"
//
// Minimal config keys:
// - url: NATS server URL (default "nats://127.0.0.1:4222")
// - stream_name: JetStream stream backing every path (default "MESHBUS")
// - max_deliver: max redelivery attempts per message (default 5)
// - ack_wait: duration before JetStream considers a message unacked (default 30s)
// - fetch_batch: messages per pull Fetch call (default 32)
// - fetch_wait: max wait per Fetch call (default 2s)
// - concurrency: worker goroutines draining fetched messages (default 4)
// - dead_letter: subject to forward Nacked messages to (optional)
//
// Example builder usage:
//
//  bus, _ := meshbus.NewBusBuilder("orders").
//      WithTransport(natscore.NewTransport(natscore.Config{
//          URL:        "nats://localhost:4222",
//          StreamName: "ORDERS",
//      })).
//      Build()
