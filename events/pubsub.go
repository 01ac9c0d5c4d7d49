package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/oakmesh/iris/ierr"
)

// PubSub is a System backed by Google Cloud Pub/Sub: every event is
// published to a single topic with its type carried as a message
// attribute, and a single subscription fans incoming messages out to
// local pattern subscribers. Grounded on
// components/pubsub/pubsub.go's client/topic/subscription setup.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	mu   sync.RWMutex
	subs []subscription

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPubSub dials projectID and prepares topic/subscription, creating
// the subscription against topic if it does not already exist.
func NewPubSub(ctx context.Context, projectID, topicName, subscriptionName string) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: connect pubsub: %v", ierr.ErrCoordinatorError, err)
	}

	topic := client.Topic(topicName)
	sub := client.Subscription(subscriptionName)
	if ok, err := sub.Exists(ctx); err != nil {
		return nil, fmt.Errorf("%w: check subscription: %v", ierr.ErrCoordinatorError, err)
	} else if !ok {
		sub, err = client.CreateSubscription(ctx, subscriptionName, pubsub.SubscriptionConfig{Topic: topic})
		if err != nil {
			return nil, fmt.Errorf("%w: create subscription: %v", ierr.ErrCoordinatorError, err)
		}
	}

	return &PubSub{client: client, topic: topic, sub: sub}, nil
}

// OnStart implements System: begins the subscription receive loop.
func (p *PubSub) OnStart(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for loopCtx.Err() == nil {
			err := p.sub.Receive(loopCtx, func(msgCtx context.Context, m *pubsub.Message) {
				ev := Event{
					Type:      m.Attributes["type"],
					Source:    m.Attributes["source"],
					Payload:   m.Data,
					Timestamp: m.PublishTime,
				}
				p.dispatch(msgCtx, ev)
				m.Ack()
			})
			if err != nil && loopCtx.Err() == nil {
				select {
				case <-time.After(time.Second):
				case <-loopCtx.Done():
				}
			}
		}
	}()
	return nil
}

// OnStop implements System.
func (p *PubSub) OnStop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.client.Close()
	return nil
}

// Subscribe implements System.
func (p *PubSub) Subscribe(pattern string, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, subscription{pattern: pattern, handler: handler})
	return nil
}

func (p *PubSub) dispatch(ctx context.Context, ev Event) {
	p.mu.RLock()
	matches := make([]Handler, 0, len(p.subs))
	for _, sub := range p.subs {
		if MatchPattern(sub.pattern, ev.Type) {
			matches = append(matches, sub.handler)
		}
	}
	p.mu.RUnlock()
	for _, h := range matches {
		h(ctx, ev)
	}
}

// Emit implements System: publishes ev to the shared topic and blocks
// for publish confirmation, matching components/pubsub's Terminus.
func (p *PubSub) Emit(ctx context.Context, ev Event) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: ev.Payload,
		Attributes: map[string]string{
			"type":   ev.Type,
			"source": ev.Source,
		},
	})
	_, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: publish: %v", ierr.ErrCoordinatorError, err)
	}
	return nil
}
