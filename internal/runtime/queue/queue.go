// Package queue is the durable FIFO work engine of an agent: items persist
// in the queue table and fire named callbacks one at a time in
// (created_at, id) order with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/scheduler"
	"github.com/agenthost/agenthost/internal/runtime/storage"
)

// ErrUnknownCallback mirrors the scheduler's validation: items may only
// target registered callbacks.
var ErrUnknownCallback = errors.New("callback is not registered")

// Engine processes one agent's durable queue.
type Engine struct {
	store *storage.Store
	inv   scheduler.Invoker
	log   *logger.Logger
	now   func() time.Time
}

// New creates a queue engine over the agent's store.
func New(store *storage.Store, inv scheduler.Invoker, log *logger.Logger) *Engine {
	return &Engine{
		store: store,
		inv:   inv,
		log:   log.WithFields(zap.String("component", "queue")),
		now:   time.Now,
	}
}

// Enqueue persists a new work item and returns its id. The caller re-arms
// the alarm so the item is picked up immediately.
func (e *Engine) Enqueue(ctx context.Context, callback string, payload any) (string, error) {
	if !e.inv.HasCallback(callback) {
		return "", fmt.Errorf("%q: %w", callback, ErrUnknownCallback)
	}

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		data = raw
	}

	item := storage.QueueItem{
		ID:        uuid.New().String(),
		Payload:   data,
		Callback:  callback,
		CreatedAt: e.now().UnixMilli(),
	}
	if err := e.store.EnqueueItem(ctx, item); err != nil {
		return "", err
	}

	e.log.Debug("queue item created",
		zap.String("item_id", item.ID),
		zap.String("callback", callback))
	return item.ID, nil
}

// ProcessAll drains pending items strictly in (created_at, id) order, one
// at a time. Success deletes the row; failure surfaces to OnError and
// retains the row for the next alarm. No dead-letter exists; operators
// inspect the table for items that never succeed.
func (e *Engine) ProcessAll(ctx context.Context) error {
	items, err := e.store.ListQueueItems(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		if !e.inv.HasCallback(item.Callback) {
			e.log.Warn("dropping queue item with unknown callback",
				zap.String("item_id", item.ID),
				zap.String("callback", item.Callback))
			if err := e.store.DeleteQueueItem(ctx, item.ID); err != nil {
				return err
			}
			continue
		}

		if err := e.inv.InvokeCallback(ctx, item.Callback, item.Payload); err != nil {
			e.log.Error("queue callback failed",
				zap.String("item_id", item.ID),
				zap.String("callback", item.Callback),
				zap.Error(err))
			e.inv.OnError(err)
			continue // retained for retry
		}

		if err := e.store.DeleteQueueItem(ctx, item.ID); err != nil {
			return err
		}
	}
	return nil
}

// Depth returns the number of pending items.
func (e *Engine) Depth(ctx context.Context) (int, error) {
	return e.store.QueueDepth(ctx)
}
