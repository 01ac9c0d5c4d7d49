package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/google/uuid"

	"github.com/oakmesh/iris/ierr"
)

// SQS is a System backed by Amazon SQS: a long-poll receive loop fans
// messages out to local pattern subscribers; Emit sends a single
// message per call. Grounded on components/sqs/sqs.go's session and
// client setup.
type SQS struct {
	svc             *sqs.SQS
	queueURL        string
	waitTimeSeconds int64
	batchSize       int64

	mu   sync.RWMutex
	subs []subscription

	cancel context.CancelFunc
	done   chan struct{}
}

// SQSConfig mirrors the fields components/sqs/sqs.go reads off a viper
// config.
type SQSConfig struct {
	Region          string
	QueueURL        string
	WaitTimeSeconds int64
	BatchSize       int64
}

// NewSQS builds a client for cfg.Region.
func NewSQS(cfg SQSConfig) (*SQS, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: aws session: %v", ierr.ErrCoordinatorError, err)
	}
	svc := sqs.New(sess, aws.NewConfig().WithRegion(cfg.Region))
	return &SQS{
		svc:             svc,
		queueURL:        cfg.QueueURL,
		waitTimeSeconds: cfg.WaitTimeSeconds,
		batchSize:       cfg.BatchSize,
	}, nil
}

// OnStart implements System: begins the long-poll receive loop.
func (q *SQS) OnStart(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		for loopCtx.Err() == nil {
			id := uuid.New().String()
			input := &sqs.ReceiveMessageInput{
				QueueUrl:                &q.queueURL,
				MaxNumberOfMessages:     &q.batchSize,
				WaitTimeSeconds:         &q.waitTimeSeconds,
				MessageAttributeNames:   []*string{aws.String("type"), aws.String("source")},
				ReceiveRequestAttemptId: &id,
			}
			output, err := q.svc.ReceiveMessageWithContext(loopCtx, input)
			if err != nil {
				if loopCtx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
				case <-loopCtx.Done():
					return
				}
				continue
			}
			for _, message := range output.Messages {
				ev := Event{Payload: []byte(aws.StringValue(message.Body)), Timestamp: time.Now()}
				if a, ok := message.MessageAttributes["type"]; ok {
					ev.Type = aws.StringValue(a.StringValue)
				}
				if a, ok := message.MessageAttributes["source"]; ok {
					ev.Source = aws.StringValue(a.StringValue)
				}
				q.dispatch(loopCtx, ev)
				_, _ = q.svc.DeleteMessageWithContext(loopCtx, &sqs.DeleteMessageInput{
					QueueUrl:      &q.queueURL,
					ReceiptHandle: message.ReceiptHandle,
				})
			}
		}
	}()
	return nil
}

// OnStop implements System.
func (q *SQS) OnStop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	return nil
}

// Subscribe implements System.
func (q *SQS) Subscribe(pattern string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, subscription{pattern: pattern, handler: handler})
	return nil
}

func (q *SQS) dispatch(ctx context.Context, ev Event) {
	q.mu.RLock()
	matches := make([]Handler, 0, len(q.subs))
	for _, sub := range q.subs {
		if MatchPattern(sub.pattern, ev.Type) {
			matches = append(matches, sub.handler)
		}
	}
	q.mu.RUnlock()
	for _, h := range matches {
		h(ctx, ev)
	}
}

// Emit implements System.
func (q *SQS) Emit(ctx context.Context, ev Event) error {
	body := string(ev.Payload)
	_, err := q.svc.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &body,
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"type":   {DataType: aws.String("String"), StringValue: aws.String(ev.Type)},
			"source": {DataType: aws.String("String"), StringValue: aws.String(ev.Source)},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: send: %v", ierr.ErrCoordinatorError, err)
	}
	return nil
}
