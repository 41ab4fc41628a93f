package sqspoll

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/meshbus/meshbus"
)

// envelope is the JSON body carried inside an SQS message. SQS message
// bodies are plain strings, so the payload travels base64-encoded.
type envelope struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Payload    string            `json:"payload"`
	ProducedAt int64             `json:"produced_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func encodeMessage(m *meshbus.Message) (string, error) {
	env := envelope{
		ID:         m.ID,
		Name:       m.Name,
		Payload:    base64.StdEncoding.EncodeToString(m.Payload),
		ProducedAt: m.ProducedAt.UnixNano(),
		Metadata:   m.Metadata,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("sqspoll: encode message: %w", err)
	}
	return string(body), nil
}

func decodeMessage(id, body string) (*meshbus.Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("sqspoll: decode message: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("sqspoll: decode payload: %w", err)
	}

	msg := &meshbus.Message{
		ID:       env.ID,
		Name:     env.Name,
		Payload:  payload,
		Metadata: env.Metadata,
	}
	if msg.ID == "" {
		msg.ID = id
	}
	if env.ProducedAt > 0 {
		msg.ProducedAt = time.Unix(0, env.ProducedAt)
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	return msg, nil
}

// delivery implements meshbus.Delivery for a received SQS message.
type delivery struct {
	t             *Transport
	queueURL      string
	receiptHandle string
	msg           *meshbus.Message

	onceAck sync.Once
}

func (d *delivery) Message() *meshbus.Message {
	return d.msg
}

// Ack deletes the message from the queue, ending its visibility lease.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		_, err = d.t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &d.queueURL,
			ReceiptHandle: &d.receiptHandle,
		})
		if err == nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}

// Nack forwards the message to the configured dead-letter queue (if any)
// then deletes the original, or otherwise resets its visibility timeout to
// zero so it becomes immediately eligible for redelivery.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)

	if d.t.cfg.DeadLetterQueueURL != "" {
		if d.msg.Metadata == nil {
			d.msg.Metadata = make(map[string]string)
		}
		d.msg.Metadata["orig_queue"] = d.queueURL
		d.msg.Metadata["error"] = reason.Error()

		body, err := encodeMessage(d.msg)
		if err != nil {
			return err
		}
		if _, err := d.t.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    &d.t.cfg.DeadLetterQueueURL,
			MessageBody: &body,
		}); err != nil {
			return fmt.Errorf("sqspoll: dead-letter send: %w", err)
		}
		return d.Ack(ctx)
	}

	_, err := d.t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &d.queueURL,
		ReceiptHandle:     &d.receiptHandle,
		VisibilityTimeout: 0,
	})
	return err
}
