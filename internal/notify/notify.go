// Package notify is the single channel user-facing notices travel through.
// Producers publish on the event bus; whatever renders toasts subscribes.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/google/uuid"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

const (
	MsgEmptyID          = "Please enter a Blob ID"
	MsgInfoLoaded       = "Blob info loaded successfully"
	MsgInfoFailed       = "Error fetching blob info"
	MsgBlobLoaded       = "Blob loaded successfully"
	MsgBlobFailed       = "Error loading blob"
	MsgDownloadStarted  = "Download started"
	MsgDownloadComplete = "Download complete"
	MsgDownloadFailed   = "Error downloading blob"
	MsgNoBlob           = "Please fetch blob info first"
	MsgCDNLinkCopied    = "CDN link copied to clipboard!"
	MsgDirectCopied     = "Direct link copied to clipboard!"
	MsgEmbedCopied      = "Embed code copied to clipboard!"
	MsgCopyFailed       = "Could not copy to clipboard"
)

type Notification struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

type Notifier struct {
	publisher events.TopicPublisher
	logger    *slog.Logger
}

func New(ps events.PubSub, emitter string, logger *slog.Logger) (*Notifier, error) {
	publisher, err := ps.GetPublisher(emitter, events.TopicNotifications)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		publisher: publisher,
		logger:    logger.WithGroup("notify"),
	}, nil
}

func (n *Notifier) Success(ctx context.Context, message string) {
	n.send(ctx, LevelSuccess, message, "")
}

func (n *Notifier) Info(ctx context.Context, message string) {
	n.send(ctx, LevelInfo, message, "")
}

// Error publishes message with err as detail. err may be nil.
func (n *Notifier) Error(ctx context.Context, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	n.send(ctx, LevelError, message, detail)
}

func (n *Notifier) send(ctx context.Context, level Level, message, detail string) {
	data, err := json.Marshal(Notification{
		ID:      uuid.NewString(),
		Level:   level,
		Message: message,
		Detail:  detail,
		At:      time.Now(),
	})
	if err != nil {
		n.logger.Error("Could not encode notification", "error", err)
		return
	}
	if err := n.publisher.Publish(ctx, data); err != nil {
		n.logger.Warn("Could not publish notification", "message", message, "error", err)
	}
}

// Decode extracts a Notification from a bus event.
func Decode(event events.Event) (Notification, error) {
	var note Notification
	err := json.Unmarshal(event.Data, &note)
	return note, err
}

// Subscribe returns a buffered channel fed from the notifications topic.
// When the buffer is full new notifications are dropped rather than
// blocking the publisher.
func Subscribe(ps events.PubSub, buffer int) (<-chan Notification, events.Unsubscriber, error) {
	ch := make(chan Notification, buffer)
	unsub, err := ps.Subscribe(events.TopicNotifications, events.SubscriberFunc(func(ctx context.Context, event events.Event) {
		note, err := Decode(event)
		if err != nil {
			return
		}
		select {
		case ch <- note:
		default:
		}
	}))
	if err != nil {
		return nil, nil, err
	}
	return ch, unsub, nil
}
