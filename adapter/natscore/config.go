package natscore

import (
	"fmt"
	"time"
)

// Config for the NATS JetStream transport.
type Config struct {
	URL string

	// StreamName is the JetStream stream backing every path. Paths map to
	// subjects under "<StreamName>.<path>".
	StreamName string

	MaxDeliver      int
	AckWait         time.Duration
	Replicas        int
	RetentionPolicy string // "limits" (default), "interest", or "workqueue"

	FetchBatch int
	FetchWait  time.Duration
	Concurrency int

	DeadLetterSubject string
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		URL:             "nats://127.0.0.1:4222",
		StreamName:      "MESHBUS",
		MaxDeliver:      5,
		AckWait:         30 * time.Second,
		Replicas:        1,
		RetentionPolicy: "limits",
		FetchBatch:      32,
		FetchWait:       2 * time.Second,
		Concurrency:     4,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("config: stream_name required")
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("config: max_deliver must be >= 1, got %d", c.MaxDeliver)
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("config: ack_wait must be > 0, got %v", c.AckWait)
	}
	if c.FetchBatch < 1 {
		return fmt.Errorf("config: fetch_batch must be >= 1, got %d", c.FetchBatch)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	return nil
}

// toMap converts Config to a generic map for the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":              c.URL,
		"stream_name":      c.StreamName,
		"max_deliver":      c.MaxDeliver,
		"ack_wait":         c.AckWait,
		"replicas":         c.Replicas,
		"retention_policy": c.RetentionPolicy,
		"fetch_batch":      c.FetchBatch,
		"fetch_wait":       c.FetchWait,
		"concurrency":      c.Concurrency,
		"dead_letter":      c.DeadLetterSubject,
	}
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["url"].(string); ok && v != "" {
		c.URL = v
	}
	if v, ok := m["stream_name"].(string); ok && v != "" {
		c.StreamName = v
	}
	if v, ok := m["max_deliver"].(int); ok && v > 0 {
		c.MaxDeliver = v
	}
	if v, ok := m["ack_wait"].(time.Duration); ok && v > 0 {
		c.AckWait = v
	}
	if v, ok := m["replicas"].(int); ok && v > 0 {
		c.Replicas = v
	}
	if v, ok := m["retention_policy"].(string); ok && v != "" {
		c.RetentionPolicy = v
	}
	if v, ok := m["fetch_batch"].(int); ok && v > 0 {
		c.FetchBatch = v
	}
	if v, ok := m["fetch_wait"].(time.Duration); ok && v > 0 {
		c.FetchWait = v
	}
	if v, ok := m["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetterSubject = v
	}

	return c
}
