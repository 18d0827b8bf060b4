// Package events publishes realtime change events to the message broker for
// web-socket consumers. Delivery is best effort: a broker failure is logged
// by the caller and never blocks the other sinks.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"backlog/api/internal/history"
)

// Message is the authoritative wire format for pushed events.
type Message struct {
	Type      string  `json:"type"`
	Matches   string  `json:"matches"`
	Event     Body    `json:"event"`
	SessionID *string `json:"sessionId"`
}

type Body struct {
	Type   string           `json:"type"`
	Data   history.Snapshot `json:"data"`
	Change history.Diff     `json:"change,omitempty"`
}

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// RoutingKey builds the topic routing key for an entity change.
func RoutingKey(kind history.Kind, entryType history.EntryType) string {
	return fmt.Sprintf("change.%s.%s", kind, entryType)
}

// Channel names the per-project topic.
func Channel(projectID int64) string {
	return fmt.Sprintf("project.%d", projectID)
}

// PublishChange pushes one event to the project topic. sessionID identifies
// the acting client so consumers can skip echoing its own change; pass ""
// for system events.
func (p *Publisher) PublishChange(ctx context.Context, projectID int64, kind history.Kind, entryType history.EntryType, snapshot history.Snapshot, change history.Diff, sessionID string) error {
	routingKey := RoutingKey(kind, entryType)
	msg := Message{
		Type:    entryType.String(),
		Matches: routingKey,
		Event: Body{
			Type:   fmt.Sprintf("%s.%s", kind, entryType),
			Data:   snapshot,
			Change: change,
		},
	}
	if sessionID != "" {
		msg.SessionID = &sessionID
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", routingKey, err)
	}
	if err := p.client.Publish(ctx, Channel(projectID), raw).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", routingKey, Channel(projectID), err)
	}
	return nil
}
