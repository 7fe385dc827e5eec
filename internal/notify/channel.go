// Package notify relays store change notifications into in-process handlers.
//
// A Channel delivers raw payloads per topic. The Relay decodes them, resolves
// the region a message belongs to and dispatches it to the handler bound to
// its topic. Delivery is at-least-once and unordered; handlers must tolerate
// duplicates.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedPayload = errors.New("malformed notification payload")
	ErrNoRoute          = errors.New("notification has no project id")
)

type Message struct {
	Topic   string
	Payload []byte
}

// Channel is a pub/sub source. The returned channel is closed when ctx is
// done or the subscription ends for good.
type Channel interface {
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Notification is a decoded message. ProjectID selects the region.
type Notification struct {
	Topic     string `json:"-"`
	ProjectID string `json:"projectId"`
	FileID    string `json:"fileId"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

type wireNotification struct {
	Notification
	StreamID string `json:"streamId"`
}

// Decode parses a JSON payload. Older producers send the project id as
// streamId; both spellings are accepted.
func Decode(m Message) (Notification, error) {
	var w wireNotification
	if err := json.Unmarshal(m.Payload, &w); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n := w.Notification
	n.Topic = m.Topic
	if n.ProjectID == "" {
		n.ProjectID = w.StreamID
	}
	n.ProjectID = strings.TrimSpace(n.ProjectID)
	if n.ProjectID == "" {
		return n, ErrNoRoute
	}
	return n, nil
}

// Encode is the inverse of Decode, for producers and tests.
func Encode(n Notification) ([]byte, error) {
	return json.Marshal(n)
}
