// Package notify provides the publish/subscribe notification hub that pushes
// request state changes to subscribers grouped by creator, over core NATS
// subjects.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/voicedrop/voicedrop/internal/core"
)

const subscriberBufferSize = 64

// Hub publishes notification events into per-creator rooms and hands
// subscribers a bounded channel per room. Delivery is best-effort and
// at-most-once: a slow subscriber loses events rather than ever blocking a
// worker, and polling the request store remains the durable fallback.
type Hub struct {
	natsConnection *nats.Conn
	subjectPrefix  string
	log            *logger.Logger
}

// NewHub creates a hub publishing under the given subject prefix
// (e.g. "voicedrop.notify").
func NewHub(natsConnection *nats.Conn, subjectPrefix string, log *logger.Logger) *Hub {
	return &Hub{
		natsConnection: natsConnection,
		subjectPrefix:  subjectPrefix,
		log:            log,
	}
}

// Publish fans the event out to the creator's room. Fire-and-forget: a
// publish failure is reported to the caller but never retried here.
func (h *Hub) Publish(ctx context.Context, event core.NotificationEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish aborted: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification for request '%s': %w", event.RequestID, err)
	}

	subject := h.roomSubject(event.CreatorID)

	err = h.natsConnection.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish notification to '%s': %w", subject, err)
	}

	return nil
}

// Subscribe joins the creator's room. Events arrive on the returned channel
// until cancel is called; the channel is bounded and drops events when the
// receiver falls behind. One physical connection may hold any number of room
// subscriptions.
func (h *Hub) Subscribe(creatorID string) (<-chan core.NotificationEvent, func(), error) {
	events := make(chan core.NotificationEvent, subscriberBufferSize)
	subject := h.roomSubject(creatorID)

	subscription, err := h.natsConnection.Subscribe(subject, func(msg *nats.Msg) {
		var event core.NotificationEvent

		unmarshalErr := json.Unmarshal(msg.Data, &event)
		if unmarshalErr != nil {
			h.log.Warn("Dropping malformed notification on '%s': %v", subject, unmarshalErr)

			return
		}

		select {
		case events <- event:
		default:
			h.log.Warn("Dropping notification for request %s: subscriber on '%s' is slow",
				event.RequestID, subject)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to join room '%s': %w", subject, err)
	}

	cancel := func() {
		unsubErr := subscription.Unsubscribe()
		if unsubErr != nil {
			h.log.Warn("Failed to leave room '%s': %v", subject, unsubErr)
		}
	}

	return events, cancel, nil
}

// roomSubject derives the deterministic room subject for a creator id.
func (h *Hub) roomSubject(creatorID string) string {
	return h.subjectPrefix + ".creator." + sanitizeToken(creatorID)
}

// sanitizeToken keeps creator ids from injecting NATS subject syntax.
func sanitizeToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		default:
			return r
		}
	}, id)
}
