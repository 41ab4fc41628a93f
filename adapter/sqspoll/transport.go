package sqspoll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/meshbus/meshbus"
)

// TransportName is the name used to register this transport.
const TransportName = "sqs-poll"

func init() {
	if err := meshbus.RegisterTransport(TransportName, func(cfg map[string]any) (meshbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("meshbus/sqspoll: failed to register transport: %w", err))
	}
}

// Transport implements meshbus.Transport over Amazon SQS using long polling.
// Unlike a broker with native consumer groups, SQS delivers each message to
// exactly one receiver among however many poll the same queue, so "group" is
// accepted for interface symmetry but does not change queue resolution.
type Transport struct {
	cfg    Config
	client *sqs.Client

	urlCache sync.Map // path -> queue URL

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	produced      atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	produceErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ meshbus.Transport = (*Transport)(nil)

// NewTransport builds an SQS transport. The client is lazily connected;
// call Start to resolve credentials and construct the SDK client.
func NewTransport(cfg Config) *Transport {
	return &Transport{cfg: cfg, metrics: &transportMetrics{}}
}

// Start resolves AWS credentials/region and constructs the SQS client.
func (t *Transport) Start(ctx context.Context) error {
	awsCfg, err := createAWSConfig(ctx, t.cfg)
	if err != nil {
		return fmt.Errorf("sqspoll: load aws config: %w", err)
	}

	t.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if t.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(t.cfg.Endpoint)
		}
	})
	return nil
}

// Stop is a no-op; the SQS client holds no persistent connection to close.
func (t *Transport) Stop(_ context.Context) error {
	return nil
}

// ProvisionTopology resolves and caches every configured queue URL so the
// first ProduceToPath/Subscribe call doesn't pay a GetQueueUrl round trip.
func (t *Transport) ProvisionTopology(ctx context.Context) error {
	for path := range t.cfg.QueueURLs {
		if _, err := t.resolveQueueURL(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) resolveQueueURL(ctx context.Context, path string) (string, error) {
	if v, ok := t.urlCache.Load(path); ok {
		return v.(string), nil
	}
	if url, ok := t.cfg.QueueURLs[path]; ok && url != "" {
		t.urlCache.Store(path, url)
		return url, nil
	}

	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &path})
	if err != nil {
		return "", fmt.Errorf("sqspoll: resolve queue url for %q: %w", path, err)
	}
	t.urlCache.Store(path, *out.QueueUrl)
	return *out.QueueUrl, nil
}

// ProduceToPath sends messages to the queue named by path, batching in
// groups of up to 10 (the SQS SendMessageBatch limit).
func (t *Transport) ProduceToPath(ctx context.Context, path string, msgs ...*meshbus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if t.closed.Load() {
		return errors.New("sqspoll: transport is disposed")
	}

	queueURL, err := t.resolveQueueURL(ctx, path)
	if err != nil {
		return err
	}

	for start := 0; start < len(msgs); start += 10 {
		end := start + 10
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := t.sendBatch(ctx, queueURL, msgs[start:end]); err != nil {
			t.metrics.produceErrors.Add(uint64(end - start))
			return err
		}
		t.metrics.produced.Add(uint64(end - start))
	}
	return nil
}

func (t *Transport) sendBatch(ctx context.Context, queueURL string, msgs []*meshbus.Message) error {
	entries := make([]sqstypes.SendMessageBatchRequestEntry, len(msgs))
	for i, m := range msgs {
		body, err := encodeMessage(m)
		if err != nil {
			return err
		}
		id := fmt.Sprintf("m%d", i)
		entries[i] = sqstypes.SendMessageBatchRequestEntry{
			Id:          &id,
			MessageBody: &body,
		}
	}

	out, err := t.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: &queueURL,
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("sqspoll: send message batch: %w", err)
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("sqspoll: %d of %d messages failed to send: %s", len(out.Failed), len(msgs), out.Failed[0].Message)
	}
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe long-polls the queue named by path and fans deliveries out to a
// worker pool. group is accepted for interface symmetry; SQS has no notion
// of independent consumer groups on one queue.
func (t *Transport) Subscribe(ctx context.Context, path, group string, handler func(meshbus.Delivery)) (meshbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("sqspoll: transport is disposed")
	}

	queueURL, err := t.resolveQueueURL(ctx, path)
	if err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := t.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	workCh := make(chan meshbus.Delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
			}
		}()
	}

	pollerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			close(pollerDone)
			wg.Done()
		}()
		t.pollerLoop(innerCtx, queueURL, workCh)
	}()

	return &subscription{
		close: func() error {
			cancel()
			<-pollerDone
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) pollerLoop(ctx context.Context, queueURL string, workCh chan<- meshbus.Delivery) {
	backoff := t.cfg.PollErrorBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &queueURL,
			MaxNumberOfMessages: t.cfg.MaxMessages,
			WaitTimeSeconds:     t.cfg.WaitTimeSeconds,
			VisibilityTimeout:   t.cfg.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, m := range out.Messages {
			msg, err := decodeMessage(aws.ToString(m.MessageId), aws.ToString(m.Body))
			if err != nil {
				t.metrics.consumeErrors.Add(1)
				continue
			}
			d := &delivery{
				t:             t,
				queueURL:      queueURL,
				receiptHandle: aws.ToString(m.ReceiptHandle),
				msg:           msg,
			}
			t.metrics.consumed.Add(1)

			select {
			case workCh <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Dispose marks the transport disposed. Idempotent.
func (t *Transport) Dispose(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.Stop(ctx)
}
