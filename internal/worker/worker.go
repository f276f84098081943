package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Dispatcher fans recorded events out to subscriptions
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.BusinessEvent) (int, error)
}

// Deliverer runs delivery attempts and the retry sweep
type Deliverer interface {
	Attempt(ctx context.Context, deliveryID uuid.UUID, seen int) error
	RetryFailed(ctx context.Context) (int, error)
}

// Sweeper releases holds of abandoned carts
type Sweeper interface {
	Run(ctx context.Context) (service.ReapResult, error)
}

// EventWorker feeds business events from Kafka into the dispatcher
type EventWorker struct {
	consumer *broker.Consumer
	handler  *broker.EventHandler
	logger   *zap.Logger
}

// NewEventWorker creates a new event worker
func NewEventWorker(consumer *broker.Consumer, dispatcher Dispatcher) *EventWorker {
	return &EventWorker{
		consumer: consumer,
		handler:  broker.NewEventHandler(dispatchFunc(dispatcher)),
		logger:   util.GetLogger(),
	}
}

func dispatchFunc(dispatcher Dispatcher) func(context.Context, *models.BusinessEvent) error {
	return func(ctx context.Context, event *models.BusinessEvent) error {
		_, err := dispatcher.Dispatch(ctx, event)
		return err
	}
}

// Start blocks consuming until ctx is done
func (w *EventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting event worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop closes the consumer
func (w *EventWorker) Stop() error {
	w.logger.Info("Stopping event worker")
	return w.consumer.Close()
}

// Handlers serves the asynq task types
type Handlers struct {
	deliverer Deliverer
	sweeper   Sweeper
	logger    *zap.Logger
}

// NewHandlers creates the task handlers
func NewHandlers(deliverer Deliverer, sweeper Sweeper) *Handlers {
	return &Handlers{deliverer: deliverer, sweeper: sweeper, logger: util.GetLogger()}
}

// Mux routes every task type to its handler
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeWebhookDeliver, h.HandleDeliver)
	mux.HandleFunc(TypeReaperSweep, h.HandleReaperSweep)
	mux.HandleFunc(TypeWebhookSweep, h.HandleWebhookSweep)
	return mux
}

// HandleDeliver runs one delivery attempt
func (h *Handlers) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	var p DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("bad %s payload: %v: %w", TypeWebhookDeliver, err, asynq.SkipRetry)
	}
	return h.deliverer.Attempt(ctx, p.DeliveryID, p.Seen)
}

// HandleReaperSweep runs the expiration passes
func (h *Handlers) HandleReaperSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.sweeper.Run(ctx)
	return err
}

// HandleWebhookSweep re-queues retryable failed deliveries
func (h *Handlers) HandleWebhookSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := h.deliverer.RetryFailed(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		h.logger.Info("Webhook retry sweep finished", zap.Int("requeued", n))
	}
	return nil
}

// Schedule is one periodic sweep
type Schedule struct {
	TaskType string
	Every    time.Duration
}

// RegisterSchedules registers the periodic sweeps. Each run is unique for
// its interval, so several replicas running the scheduler do not stack runs.
func RegisterSchedules(scheduler *asynq.Scheduler, queue string, schedules ...Schedule) error {
	for _, s := range schedules {
		if s.Every <= 0 {
			continue
		}
		spec := fmt.Sprintf("@every %s", s.Every)
		entryID, err := scheduler.Register(spec, asynq.NewTask(s.TaskType, nil),
			asynq.Queue(queue),
			asynq.MaxRetry(0),
			asynq.Unique(s.Every),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", s.TaskType, err)
		}
		util.GetLogger().Info("Registered periodic task",
			zap.String("task", s.TaskType),
			zap.String("spec", spec),
			zap.String("entry_id", entryID),
		)
	}
	return nil
}
