package resolver

import (
	"encoding/json"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/events"
)

const (
	ActionStored   = "blob.stored"
	ActionDeleted  = "blob.deleted"
	ActionHydrated = "blob.hydrated"
)

// BlobEvent is published on events.TopicBlobs.
type BlobEvent struct {
	Action string    `json:"action"`
	Info   blob.Info `json:"info"`
}

func DecodeBlobEvent(event events.Event) (BlobEvent, error) {
	var be BlobEvent
	err := json.Unmarshal(event.Data, &be)
	return be, err
}
