package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types
const (
	TypeWebhookDeliver = "webhook:deliver"
	TypeReaperSweep    = "sweep:reaper"
	TypeWebhookSweep   = "sweep:webhook-retry"
)

// transient failures such as a lost database connection are retried by asynq;
// the attempt claim makes a repeated run harmless
const deliverMaxRetry = 3

// DeliverPayload is the body of a webhook:deliver task
type DeliverPayload struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Seen       int       `json:"seen"`
}

// NewDeliverTask builds a delivery task
func NewDeliverTask(deliveryID uuid.UUID, seen int) (*asynq.Task, error) {
	payload, err := json.Marshal(DeliverPayload{DeliveryID: deliveryID, Seen: seen})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeWebhookDeliver, payload), nil
}

// Queue schedules delivery attempts on the asynq queue
type Queue struct {
	client *asynq.Client
	queue  string
}

// NewQueue creates a new delivery queue
func NewQueue(client *asynq.Client, queue string) *Queue {
	return &Queue{client: client, queue: queue}
}

// EnqueueDelivery schedules an attempt after delay
func (q *Queue) EnqueueDelivery(ctx context.Context, deliveryID uuid.UUID, seen int, delay time.Duration) error {
	task, err := NewDeliverTask(deliveryID, seen)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(q.queue),
		asynq.MaxRetry(deliverMaxRetry),
		asynq.Timeout(time.Minute),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue delivery %s: %w", deliveryID, err)
	}
	return nil
}
