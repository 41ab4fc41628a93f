package sqspoll

// Package sqspoll provides an Amazon SQS long-poll Transport for meshbus,
// plus a PullSource for driving meshbus.ReferencePullLoop directly.
//
// Transport name: "sqs-poll"
//
// Minimal config keys:
// - region: AWS region (default "us-east-1")
// - endpoint: custom endpoint override, e.g. a LocalStack URL (optional)
// - access_key_id / secret_access_key: static credentials (optional; falls
//   back to the default AWS credential chain when unset)
// - wait_time_seconds: ReceiveMessage long-poll duration, 0..20 (default 20)
// - visibility_timeout: seconds a received message stays invisible (default 30)
// - max_messages: messages per ReceiveMessage call, 1..10 (default 10)
// - concurrency: worker goroutines draining the receive loop (default 4)
// - dead_letter_queue: queue URL to forward Nacked messages to (optional)
//
// Example builder usage:
//
//  bus, _ := meshbus.NewBusBuilder("orders").
//      WithTransport(sqspoll.NewTransport(sqspoll.Config{
//          Region:      "us-east-1",
//          QueueURLs:   map[string]string{"orders": "https://sqs.us-east-1.amazonaws.com/123456789012/orders"},
//          Concurrency: 8,
//      })).
//      Build()
//
// Example pull-loop usage, bypassing the producer/consumer pipeline:
//
//  tr := sqspoll.NewTransport(cfg)
//  _ = tr.Start(ctx)
//  loop, _ := meshbus.NewReferencePullLoop(meshbus.PullLoopConfig{
//      Queues: []meshbus.PullQueueConfig{{
//          Source:     sqspoll.NewPullSource(tr, "orders"),
//          Processors: []meshbus.PullProcessor{processOrder},
//      }},
//  }, xclock.Default())
//  loop.Start(ctx)
