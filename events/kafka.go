package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	kaf "github.com/segmentio/kafka-go"

	"github.com/oakmesh/iris/ierr"
)

// Kafka is a System backed by segmentio/kafka-go: every event is
// written to a topic, with its type carried as a header, and one reader
// goroutine fans incoming records out to local pattern subscribers.
// Grounded on components/kafka/kafka.go's reader/writer configuration.
type Kafka struct {
	reader *kaf.Reader
	writer *kaf.Writer

	mu   sync.RWMutex
	subs []subscription

	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaConfig mirrors the fields components/kafka/kafka.go reads off a
// viper config.
type KafkaConfig struct {
	Brokers   []string
	Topic     string
	Partition int
	GroupID   string
	MaxWait   time.Duration
	Retries   int
}

// NewKafka constructs a reader/writer pair for cfg.Topic.
func NewKafka(cfg KafkaConfig) *Kafka {
	reader := kaf.NewReader(kaf.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		Partition:   cfg.Partition,
		MaxWait:     cfg.MaxWait,
		MaxAttempts: cfg.Retries,
	})
	writer := &kaf.Writer{
		Addr:        kaf.TCP(cfg.Brokers...),
		Topic:       cfg.Topic,
		Balancer:    &kaf.LeastBytes{},
		MaxAttempts: cfg.Retries,
	}
	return &Kafka{reader: reader, writer: writer}
}

// OnStart implements System: begins the reader loop.
func (k *Kafka) OnStart(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})

	go func() {
		defer close(k.done)
		for {
			message, err := k.reader.ReadMessage(loopCtx)
			if err != nil {
				if loopCtx.Err() != nil {
					return
				}
				continue
			}
			ev := Event{Payload: message.Value, Timestamp: message.Time}
			for _, h := range message.Headers {
				switch h.Key {
				case "type":
					ev.Type = string(h.Value)
				case "source":
					ev.Source = string(h.Value)
				}
			}
			k.dispatch(loopCtx, ev)
		}
	}()
	return nil
}

// OnStop implements System.
func (k *Kafka) OnStop(ctx context.Context) error {
	if k.cancel != nil {
		k.cancel()
		<-k.done
	}
	_ = k.reader.Close()
	return k.writer.Close()
}

// Subscribe implements System.
func (k *Kafka) Subscribe(pattern string, handler Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.subs = append(k.subs, subscription{pattern: pattern, handler: handler})
	return nil
}

func (k *Kafka) dispatch(ctx context.Context, ev Event) {
	k.mu.RLock()
	matches := make([]Handler, 0, len(k.subs))
	for _, sub := range k.subs {
		if MatchPattern(sub.pattern, ev.Type) {
			matches = append(matches, sub.handler)
		}
	}
	k.mu.RUnlock()
	for _, h := range matches {
		h(ctx, ev)
	}
}

// Emit implements System.
func (k *Kafka) Emit(ctx context.Context, ev Event) error {
	err := k.writer.WriteMessages(ctx, kaf.Message{
		Value: ev.Payload,
		Headers: []kaf.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "source", Value: []byte(ev.Source)},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: write: %v", ierr.ErrCoordinatorError, err)
	}
	return nil
}
