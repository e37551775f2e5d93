package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTopicNotPermitted = errors.New("topic not permitted")
)

const (
	TopicNotifications = "notifications"
	TopicBlobs         = "blobs"
)

// DefaultTopics are the topics a gateway bus carries.
var DefaultTopics = []string{TopicNotifications, TopicBlobs}

type Event struct {
	EventID   string    `json:"event_id"`
	Topic     string    `json:"topic"`
	EmittedAt time.Time `json:"emitted_at"`
	Emitter   string    `json:"emitter"`
	Data      []byte    `json:"data"`
}

type TopicPublisher interface {
	// Publish should respect ctx: a cancelled context means the event is
	// not delivered.
	Publish(ctx context.Context, data []byte) error
}

// TopicSubscriber receives events for a topic. OnMessage is called on the
// publisher's goroutine and must not block.
type TopicSubscriber interface {
	OnMessage(ctx context.Context, event Event)
}

// SubscriberFunc adapts a plain function to TopicSubscriber.
type SubscriberFunc func(ctx context.Context, event Event)

func (f SubscriberFunc) OnMessage(ctx context.Context, event Event) {
	f(ctx, event)
}

// Call to unsubscribe from a topic. Safe to call more than once.
type Unsubscriber func()

// EventRouter moves a published event to its subscribers. Swapping the
// router swaps the transport.
type EventRouter func(ctx context.Context, event Event) error

type PubSub interface {
	GetPermittedTopics() ([]string, error)
	GetPublisher(emitterId, topic string) (TopicPublisher, error)
	Subscribe(topic string, subscriber TopicSubscriber) (Unsubscriber, error)
}

type Config struct {
	// Router is optional. When nil, events are delivered in-process to the
	// subscribers registered on this PubSub.
	Router EventRouter
	Topics []string
}

func NewPubSub(config Config) PubSub {
	ps := &pubSubImpl{
		permittedTopics:  config.Topics,
		subscribers:      make(map[string][]*subscription),
		subscribersMutex: sync.RWMutex{},
		router:           config.Router,
	}
	if ps.router == nil {
		ps.router = ps.deliver
	}
	return ps
}
