package sqspoll

import (
	"fmt"
	"time"
)

// Config for the SQS long-poll transport.
type Config struct {
	// Connection
	Region          string
	Endpoint        string // non-empty routes to a custom endpoint (e.g. LocalStack)
	AccessKeyID     string
	SecretAccessKey string

	// QueueURLs maps a path (as used in ProduceToPath/Subscribe) to a queue
	// URL. A path with no entry is resolved lazily via GetQueueUrl using the
	// path as the queue name and cached for the transport's lifetime.
	QueueURLs map[string]string

	WaitTimeSeconds    int32 // long-poll duration in seconds, 0..20
	VisibilityTimeout  int32 // seconds a received message stays invisible
	MaxMessages        int32 // 1..10, messages per ReceiveMessage call
	Concurrency        int   // worker goroutines draining the receive loop
	DeadLetterQueueURL string
	PollErrorBackoff   time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Region:            "us-east-1",
		WaitTimeSeconds:   20,
		VisibilityTimeout: 30,
		MaxMessages:       10,
		Concurrency:       4,
		PollErrorBackoff:  2 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("config: region required")
	}
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return fmt.Errorf("config: wait_time_seconds must be in [0,20], got %d", c.WaitTimeSeconds)
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		return fmt.Errorf("config: max_messages must be in [1,10], got %d", c.MaxMessages)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.VisibilityTimeout < 0 {
		return fmt.Errorf("config: visibility_timeout must be >= 0, got %d", c.VisibilityTimeout)
	}
	return nil
}

// toMap converts Config to a generic map for the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"region":              c.Region,
		"endpoint":            c.Endpoint,
		"access_key_id":       c.AccessKeyID,
		"secret_access_key":   c.SecretAccessKey,
		"wait_time_seconds":   c.WaitTimeSeconds,
		"visibility_timeout":  c.VisibilityTimeout,
		"max_messages":        c.MaxMessages,
		"concurrency":         c.Concurrency,
		"dead_letter_queue":   c.DeadLetterQueueURL,
		"poll_error_backoff":  c.PollErrorBackoff,
	}
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["region"].(string); ok && v != "" {
		c.Region = v
	}
	if v, ok := m["endpoint"].(string); ok {
		c.Endpoint = v
	}
	if v, ok := m["access_key_id"].(string); ok {
		c.AccessKeyID = v
	}
	if v, ok := m["secret_access_key"].(string); ok {
		c.SecretAccessKey = v
	}
	if v, ok := m["wait_time_seconds"].(int32); ok {
		c.WaitTimeSeconds = v
	}
	if v, ok := m["visibility_timeout"].(int32); ok {
		c.VisibilityTimeout = v
	}
	if v, ok := m["max_messages"].(int32); ok && v > 0 {
		c.MaxMessages = v
	}
	if v, ok := m["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := m["dead_letter_queue"].(string); ok {
		c.DeadLetterQueueURL = v
	}
	if v, ok := m["poll_error_backoff"].(time.Duration); ok && v > 0 {
		c.PollErrorBackoff = v
	}

	return c
}
