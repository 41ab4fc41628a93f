package redisstream

// Package redisstream provides a Redis Streams Transport for meshbus.
//
// Transport name: "redis-streams"
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - group: consumer group name (default "meshbus")
// - consumer: consumer name (default "meshbus-<hostname>-<pid>")
// - concurrency: number of workers (default 8)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream name to write failed messages (optional)
//
// Example builder usage:
//
//  bus, _ := meshbus.NewBusBuilder("orders").
//      WithTransport(redisstream.NewTransport(redisstream.Config{
//          Addr:        "localhost:6379",
//          Group:       "payments",
//          Consumer:    "service-a",
//          Concurrency: 16,
//          BatchSize:   256,
//          Block:       5 * time.Second,
//          AutoCreate:  true,
//          DeadLetter:  "payments-dlq",
//      })).
//      Build()
