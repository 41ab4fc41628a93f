package natscore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meshbus/meshbus"
)

// delivery implements meshbus.Delivery for a JetStream pull-consumer message.
type delivery struct {
	t       *Transport
	natsMsg *nats.Msg
	msg     *meshbus.Message

	onceAck sync.Once
}

func (d *delivery) Message() *meshbus.Message {
	return d.msg
}

func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.natsMsg.Ack(nats.Context(ctx))
		if err == nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}

// Nack forwards the message to the configured dead-letter subject (if any)
// then acks the original, or otherwise NAKs so JetStream redelivers it
// according to the consumer's MaxDeliver/AckWait policy.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)

	if d.t.cfg.DeadLetterSubject != "" {
		if d.msg.Metadata == nil {
			d.msg.Metadata = make(map[string]string)
		}
		d.msg.Metadata["orig_subject"] = d.natsMsg.Subject
		d.msg.Metadata["error"] = reason.Error()

		natsMsg := encodeMessage(d.t.cfg.DeadLetterSubject, d.msg)
		if _, err := d.t.js.PublishMsg(natsMsg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("natscore: dead-letter publish: %w", err)
		}
		return d.Ack(ctx)
	}

	return d.natsMsg.Nak(nats.Context(ctx))
}

// encodeMessage builds a *nats.Msg carrying m's fields as NATS headers.
func encodeMessage(subject string, m *meshbus.Message) *nats.Msg {
	h := nats.Header{}
	if m.ID != "" {
		h.Set(headerID, m.ID)
	}
	h.Set(headerName, m.Name)
	h.Set(headerProducedAt, strconv.FormatInt(m.ProducedAt.UnixNano(), 10))
	for k, v := range m.Metadata {
		h.Set(headerMetaPrefix+k, v)
	}

	return &nats.Msg{
		Subject: subject,
		Data:    m.Payload,
		Header:  h,
	}
}

// decodeMessage reconstructs a meshbus.Message from a received *nats.Msg.
func decodeMessage(natsMsg *nats.Msg) *meshbus.Message {
	msg := &meshbus.Message{
		ID:      natsMsg.Header.Get(headerID),
		Name:    natsMsg.Header.Get(headerName),
		Payload: natsMsg.Data,
	}

	if pa := natsMsg.Header.Get(headerProducedAt); pa != "" {
		if ns, err := strconv.ParseInt(pa, 10, 64); err == nil && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}

	msg.Metadata = make(map[string]string)
	for k, v := range natsMsg.Header {
		if strings.HasPrefix(k, headerMetaPrefix) && len(v) > 0 {
			msg.Metadata[strings.TrimPrefix(k, headerMetaPrefix)] = v[0]
		}
	}

	return msg
}
