package sqspoll

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/meshbus/meshbus"
)

// PullSource adapts one SQS queue to meshbus.PullQueueSource for callers
// that want to drive a ReferencePullLoop directly instead of going through
// the Transport/Subscribe push model. TryPop issues a single short, 0-second
// wait receive-and-delete: it is at-most-once, matching PullQueueSource's
// pop-once contract (there is no Ack/Nack on the returned message).
type PullSource struct {
	t    *Transport
	path string
}

var _ meshbus.PullQueueSource = (*PullSource)(nil)

// NewPullSource builds a PullSource bound to path on an already-started
// Transport.
func NewPullSource(t *Transport, path string) *PullSource {
	return &PullSource{t: t, path: path}
}

func (s *PullSource) Name() string {
	return s.path
}

func (s *PullSource) TryPop(ctx context.Context) (*meshbus.Message, bool, error) {
	queueURL, err := s.t.resolveQueueURL(ctx, s.path)
	if err != nil {
		return nil, false, err
	}

	out, err := s.t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &queueURL,
		MaxNumberOfMessages:  1,
		WaitTimeSeconds:      0,
		VisibilityTimeout:    s.t.cfg.VisibilityTimeout,
	})
	if err != nil {
		return nil, false, fmt.Errorf("sqspoll: pull source receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, false, nil
	}

	m := out.Messages[0]
	msg, err := decodeMessage(aws.ToString(m.MessageId), aws.ToString(m.Body))
	if err != nil {
		return nil, false, err
	}

	if _, err := s.t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &queueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		return nil, false, fmt.Errorf("sqspoll: pull source delete: %w", err)
	}

	return msg, true, nil
}
