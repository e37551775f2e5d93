package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handed to callers who want to publish to a topic. The topic was
// validated when the publisher was created.
type topicPublisherImpl struct {
	emitterId string
	topic     string
	router    EventRouter
}

func (tp *topicPublisherImpl) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tp.router(ctx, Event{
		EventID:   uuid.NewString(),
		Topic:     tp.topic,
		EmittedAt: time.Now(),
		Emitter:   tp.emitterId,
		Data:      data,
	})
}

// subscription wraps a subscriber so unsubscribing removes exactly this
// registration even when the same subscriber is registered twice.
type subscription struct {
	subscriber TopicSubscriber
}

type pubSubImpl struct {
	permittedTopics []string
	subscribers     map[string][]*subscription

	subscribersMutex sync.RWMutex

	router EventRouter
}

func (ps *pubSubImpl) GetPermittedTopics() ([]string, error) {
	return ps.permittedTopics, nil
}

func (ps *pubSubImpl) GetPublisher(emitterId, topic string) (TopicPublisher, error) {
	if !slices.Contains(ps.permittedTopics, topic) {
		return nil, ErrTopicNotPermitted
	}
	return &topicPublisherImpl{
		emitterId: emitterId,
		topic:     topic,
		router:    ps.router,
	}, nil
}

func (ps *pubSubImpl) Subscribe(topic string, subscriber TopicSubscriber) (Unsubscriber, error) {
	if !slices.Contains(ps.permittedTopics, topic) {
		return nil, ErrTopicNotPermitted
	}

	sub := &subscription{subscriber: subscriber}

	ps.subscribersMutex.Lock()
	defer ps.subscribersMutex.Unlock()

	ps.subscribers[topic] = append(ps.subscribers[topic], sub)

	return func() {
		ps.subscribersMutex.Lock()
		defer ps.subscribersMutex.Unlock()

		ps.subscribers[topic] = slices.DeleteFunc(ps.subscribers[topic], func(s *subscription) bool {
			return s == sub
		})
	}, nil
}

// deliver is the in-process router. The subscriber list is copied so
// subscribers may unsubscribe from inside OnMessage.
func (ps *pubSubImpl) deliver(ctx context.Context, event Event) error {
	ps.subscribersMutex.RLock()
	subs := slices.Clone(ps.subscribers[event.Topic])
	ps.subscribersMutex.RUnlock()

	for _, s := range subs {
		s.subscriber.OnMessage(ctx, event)
	}
	return nil
}
