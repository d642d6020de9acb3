package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/loader"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

const settleTimeout = 5 * time.Second

// Ingester is the part of the graph client the worker drives.
type Ingester interface {
	IngestFile(ctx context.Context, file loader.GraphFile, meta common.SourceMetadata) (common.IngestionStats, error)
}

// Locker serializes work per source id across workers.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Handler turns ingest messages into IngestFile calls and settles each
// delivery: ack on success, the retry queue on a transient failure and the
// DLQ once MaxRetries is reached or the message can never succeed.
type Handler struct {
	ingester   Ingester
	locker     Locker
	loaders    map[string]loader.GraphFileLoader
	publisher  Publisher
	queue      string
	maxRetries int
	onHandled  func(RunEvent, time.Duration)
	log        *logger.Logger
}

// NewHandlerParams configures a Handler. S3 may be nil when no bucket is
// configured; messages for it then go straight to the DLQ. Locker is
// optional; without it two workers may ingest the same source at once.
type NewHandlerParams struct {
	Ingester   Ingester
	Locker     Locker
	Local      loader.GraphFileLoader
	S3         loader.GraphFileLoader
	Publisher  Publisher
	Queue      string
	MaxRetries int
	OnHandled  func(RunEvent, time.Duration)
	Logger     *logger.Logger
}

func NewHandler(params NewHandlerParams) *Handler {
	loaders := make(map[string]loader.GraphFileLoader, 2)
	if params.Local != nil {
		loaders[StorageLocal] = params.Local
	}
	if params.S3 != nil {
		loaders[StorageS3] = params.S3
	}
	name := params.Queue
	if name == "" {
		name = IngestQueue
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	return &Handler{
		ingester:   params.Ingester,
		locker:     params.Locker,
		loaders:    loaders,
		publisher:  params.Publisher,
		queue:      name,
		maxRetries: maxRetries,
		onHandled:  params.OnHandled,
		log:        params.Logger,
	}
}

// Process ingests the document a message body points to. Errors that no
// retry can fix are wrapped with util.Permanent.
func (h *Handler) Process(ctx context.Context, body []byte) (IngestMessage, common.IngestionStats, error) {
	msg, err := DecodeIngestMessage(body)
	if err != nil {
		return msg, common.IngestionStats{}, util.Permanent(err)
	}
	l, ok := h.loaders[msg.Storage]
	if !ok {
		return msg, common.IngestionStats{}, util.Permanent(fmt.Errorf("queue: storage %q is not configured", msg.Storage))
	}

	meta := msg.Meta()
	file := loader.NewGraphFile(loader.NewGraphFileParams{
		ID:       meta.SourceID,
		FilePath: msg.SourcePath,
		Loader:   l,
	})
	if h.locker == nil {
		stats, err := h.ingester.IngestFile(ctx, file, meta)
		return msg, stats, classify(err)
	}
	var stats common.IngestionStats
	err = h.locker.WithLease(ctx, "source:"+meta.SourceID, func(ctx context.Context) error {
		var ingestErr error
		stats, ingestErr = h.ingester.IngestFile(ctx, file, meta)
		return ingestErr
	})
	return msg, stats, classify(err)
}

func classify(err error) error {
	if errors.Is(err, loader.ErrEmptySource) {
		return util.Permanent(err)
	}
	return err
}

// Handle processes one delivery and settles it. The returned error is the
// processing error, if any; the delivery is settled either way.
func (h *Handler) Handle(ctx context.Context, d amqp091.Delivery) error {
	started := time.Now()
	retries := retriesOf(d.Headers)
	h.log.Info("[Queue] Received message", "queue", h.queue, "retries", retries)

	msg, stats, err := h.Process(ctx, d.Body)
	event := RunEvent{Message: msg, Stats: stats, Retries: retries, Status: common.RunStatusSucceeded}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			h.log.Error("[Queue] Failed to ack message", "err", ackErr)
		}
		h.log.Info("[Queue] Message processed successfully", "source", msg.SourcePath, "chunks", stats.ChunksProcessed, "errors", stats.Errors)
	case ctx.Err() != nil:
		// Shutdown mid-message: hand it back to the broker untouched.
		event.Status = common.RunStatusCanceled
		event.Error = err.Error()
		if nackErr := d.Nack(false, true); nackErr != nil {
			h.log.Error("[Queue] Failed to requeue message", "err", nackErr)
		}
	case errors.Is(err, leaselock.ErrBusy):
		// Another worker holds the source; try again later without
		// spending a retry.
		event.Status = common.RunStatusFailed
		event.Error = err.Error()
		h.log.Info("[Queue] Source is being ingested elsewhere, deferring", "source", msg.SourcePath)
		h.deferDelivery(settleCtx, d)
	default:
		event.Status = common.RunStatusFailed
		event.Error = err.Error()
		h.log.Error("[Queue] Error processing message", "queue", h.queue, "source", msg.SourcePath, "err", err)
		h.handleProcessingError(settleCtx, d, retries, util.IsPermanent(err))
	}

	h.publishEvent(settleCtx, event)
	if h.onHandled != nil {
		h.onHandled(event, time.Since(started))
	}
	return err
}

// handleProcessingError moves a failed delivery to the retry queue with an
// incremented x-retries header, or to the DLQ when retries are exhausted or
// the failure is permanent. If that publish fails the delivery is requeued.
func (h *Handler) handleProcessingError(ctx context.Context, d amqp091.Delivery, retries int, permanent bool) {
	headers := amqp091.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}

	target := RetryName(h.queue)
	if permanent || retries >= h.maxRetries {
		target = DLQName(h.queue)
		h.log.Info("[Queue] Sending message to DLQ", "dlq", target, "retries", retries, "permanent", permanent)
	} else {
		headers[retriesHeader] = int32(retries + 1)
	}

	if err := PublishFIFO(ctx, h.publisher, target, d.Body, headers); err != nil {
		h.log.Error("[Queue] Failed to publish failed message", "queue", target, "err", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			h.log.Error("[Queue] Failed to requeue message", "err", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		h.log.Error("[Queue] Failed to ack message", "err", err)
	}
}

// deferDelivery sends the delivery to the retry queue with its headers
// unchanged.
func (h *Handler) deferDelivery(ctx context.Context, d amqp091.Delivery) {
	if err := PublishFIFO(ctx, h.publisher, RetryName(h.queue), d.Body, d.Headers); err != nil {
		h.log.Error("[Queue] Failed to defer message", "err", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			h.log.Error("[Queue] Failed to requeue message", "err", nackErr)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		h.log.Error("[Queue] Failed to ack message", "err", err)
	}
}

func (h *Handler) publishEvent(ctx context.Context, event RunEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("[Queue] Failed to encode run event", "err", err)
		return
	}
	if err := PublishTopic(ctx, h.publisher, "ingest."+string(event.Status), body); err != nil {
		h.log.Warn("[Queue] Failed to publish run event", "status", event.Status, "err", err)
	}
}

// Consumer is the part of a channel Consume needs.
type Consumer interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// Consume feeds deliveries of the handler's queue to Handle one at a time
// (prefetch 1) until ctx is done or the broker closes the channel.
func (h *Handler) Consume(ctx context.Context, ch Consumer) error {
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("queue: set qos: %w", err)
	}
	msgs, err := ch.Consume(h.queue, h.queue+"_consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", h.queue, err)
	}

	h.log.Info("[Queue] Listening for messages", "queue", h.queue)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("[Queue] Stopping consumer", "queue", h.queue)
			return nil
		case d, ok := <-msgs:
			if !ok {
				h.log.Info("[Queue] Message channel closed", "queue", h.queue)
				return nil
			}
			_ = h.Handle(ctx, d)
		}
	}
}
