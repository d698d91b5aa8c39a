// Package events ships committed scheduling changes to a message broker.
// Delivery is best effort: a failed publish is logged by the engine and
// never undoes the change it describes.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agenda/agenda/internal/domain/scheduling"
)

const DefaultSubjectPrefix = "agenda.events"

// Envelope is the wire form of an event. MessageID lets consumers drop
// duplicates; NodeID names the publishing instance.
type Envelope struct {
	MessageID   string           `json:"message_id"`
	NodeID      string           `json:"node_id"`
	PublishedAt time.Time        `json:"published_at"`
	Event       scheduling.Event `json:"event"`
}

func encode(nodeID string, ev scheduling.Event) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		MessageID:   uuid.NewString(),
		NodeID:      nodeID,
		PublishedAt: time.Now().UTC(),
		Event:       ev,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

// Decode parses an envelope received from the broker.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return &env, nil
}

// Subject is where an event of type t is published under prefix.
func Subject(prefix string, t scheduling.EventType) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(t)
}

// NodeID identifies this process in published envelopes.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agenda"
	}
	return host + "-" + uuid.NewString()[:8]
}
