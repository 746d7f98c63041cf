package pubsub

import (
	"context"

	"github.com/npezzotti/go-chatfanout/internal/types"
)

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageDeleted EventType = "message.deleted"
	// EventMessageSkipped releases a sequence number whose message was never completed.
	EventMessageSkipped EventType = "message.skipped"
	EventMemberRemoved  EventType = "member.removed"
)

// Event is the unit carried between the dispatcher and every node's delivery side.
type Event struct {
	Type       EventType          `json:"type"`
	Container  types.ContainerRef `json:"container"`
	SeqId      int                `json:"seq_id,omitempty"`
	MessageId  int                `json:"message_id,omitempty"`
	Message    *types.Message     `json:"message,omitempty"`
	Recipients []int              `json:"recipients,omitempty"`
	UserId     int                `json:"user_id,omitempty"`
	// ResolveRecipients is set when the recipient list was dropped to fit the transport;
	// the delivery side recomputes it from the membership index.
	ResolveRecipients bool `json:"resolve_recipients,omitempty"`
}

// Sequenced reports whether the event takes part in per-container ordering.
func (e Event) Sequenced() bool {
	return e.Type == EventMessageCreated || e.Type == EventMessageSkipped
}

// Broker fans events out to every subscribed node, including the publishing one.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	Events() <-chan Event
	Close() error
}
