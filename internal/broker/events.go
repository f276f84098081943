package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes business events keyed by tenant
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish writes the event envelope to the events topic
func (ep *EventPublisher) Publish(ctx context.Context, event *models.BusinessEvent) error {
	key := fmt.Sprintf("tenant-%s", event.TenantID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler decodes envelopes and hands them to the registered callback
type EventHandler struct {
	onEvent func(context.Context, *models.BusinessEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler(onEvent func(context.Context, *models.BusinessEvent) error) *EventHandler {
	return &EventHandler{onEvent: onEvent}
}

// HandleMessage decodes a message into a BusinessEvent. Malformed messages
// are logged and skipped so they do not block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.BusinessEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		util.GetLogger().Error("Dropping malformed event", zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}

	util.GetLogger().Debug("Handling event",
		zap.String("type", event.EventType),
		zap.String("event_id", event.EventID.String()),
		zap.String("tenant_id", event.TenantID.String()),
	)

	if eh.onEvent == nil {
		return nil
	}
	return eh.onEvent(ctx, &event)
}
