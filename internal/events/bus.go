// Package events carries domain events (tag and list changes, email
// engagement, inbound webhooks) from their producers to the trigger router.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/foxzi/sendry-flow/internal/models"
)

const (
	Topic                = "sendry-flow.triggers"
	triggerTypeMetadata  = "trigger_type"
	defaultChannelBuffer = 1000
)

// TriggerEvent is a domain event that may enroll a contact into automations
type TriggerEvent struct {
	TriggerType models.TriggerType `json:"trigger_type"`
	ContactID   string             `json:"contact_id"`
	Data        map[string]any     `json:"data,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// Publisher is implemented by Bus
type Publisher interface {
	Publish(ctx context.Context, ev TriggerEvent) error
}

// Handler processes one event. Errors are logged; events are not redelivered.
type Handler func(ctx context.Context, ev TriggerEvent) error

// Bus is an in-process pub/sub built on watermill's go channel transport
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            int64(buffer),
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{
		pubsub: pubsub,
		logger: logger.With("component", "events"),
	}
}

func (b *Bus) Publish(ctx context.Context, ev TriggerEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(triggerTypeMetadata, string(ev.TriggerType))
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe starts delivering events to h until ctx is cancelled or the bus is closed
func (b *Bus) Subscribe(ctx context.Context, h Handler) error {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			var ev TriggerEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Error("dropping malformed event", "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}

			if err := h(ctx, ev); err != nil {
				b.logger.Error("event handler failed",
					"message_id", msg.UUID,
					"trigger_type", ev.TriggerType,
					"contact_id", ev.ContactID,
					"error", err,
				)
			}
			msg.Ack()
		}
	}()

	return nil
}

// Close stops the transport and waits for subscribers to drain
func (b *Bus) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
