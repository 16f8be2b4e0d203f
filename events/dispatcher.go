// Package events delivers committed change log entries to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ensemble-matcher/metrics"
	"ensemble-matcher/store"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 5
	maxBatchesPerDrain = 50
)

// ChangeLog is the source of undelivered changes.
type ChangeLog interface {
	Pending(ctx context.Context, limit int) ([]store.Change, error)
	Ack(ctx context.Context, seqs ...int64) error
}

// Handler reacts to one committed change. Changes may be delivered more than
// once, so handlers must be idempotent.
type Handler interface {
	HandleChange(ctx context.Context, change store.Change) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, change store.Change) error

// HandleChange calls f.
func (f HandlerFunc) HandleChange(ctx context.Context, change store.Change) error {
	return f(ctx, change)
}

// Dispatcher reads the change log in commit order and fans each entry out to
// the handlers subscribed to its collection.
type Dispatcher struct {
	changes     ChangeLog
	logger      *slog.Logger
	handlers    map[string][]Handler
	failures    map[int64]int
	batchSize   int
	maxAttempts int
	running     sync.Mutex
}

// New creates a dispatcher over a change log.
func New(changes ChangeLog, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		changes:     changes,
		logger:      logger,
		handlers:    make(map[string][]Handler),
		failures:    make(map[int64]int),
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
	}
}

// Subscribe registers h for changes in collection. It must be called before
// dispatching starts.
func (d *Dispatcher) Subscribe(collection string, h Handler) {
	d.handlers[collection] = append(d.handlers[collection], h)
}

// CheckAll delivers pending changes until the log is empty or a handler
// fails. A failure ends the run after its batch has been acknowledged.
// Overlapping calls return immediately.
func (d *Dispatcher) CheckAll(ctx context.Context) error {
	if !d.running.TryLock() {
		d.logger.Info("Dispatch already in progress, skipping")
		return nil
	}
	defer d.running.Unlock()

	var total int
	for range maxBatchesPerDrain {
		select {
		case <-ctx.Done():
			d.logger.Info("Context cancelled, stopping dispatch", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		n, more, err := d.dispatchBatch(ctx)
		total += n
		if err != nil {
			d.logger.Info("Dispatch stopped on handler failure", "delivered", total, "error", err)
			return err
		}
		if !more {
			break
		}
	}

	if total > 0 {
		d.logger.Info("Dispatch completed", "delivered", total)
	}
	return nil
}

// dispatchBatch delivers up to one batch. It reports how many changes were
// acknowledged and whether another batch should follow. A failing change
// holds back the rest of its collection only; other collections are still
// delivered and acknowledged.
func (d *Dispatcher) dispatchBatch(ctx context.Context) (int, bool, error) {
	pending, err := d.changes.Pending(ctx, d.batchSize)
	if err != nil {
		return 0, false, fmt.Errorf("read change log: %w", err)
	}
	if len(pending) == 0 {
		return 0, false, nil
	}

	var (
		done       []int64
		handlerErr error
		blocked    = make(map[string]bool)
	)
	for _, c := range pending {
		// Later changes of a failed collection wait so each document's
		// changes stay in order.
		if blocked[c.Collection] {
			continue
		}
		if err := d.deliver(ctx, c); err != nil {
			d.failures[c.Seq]++
			attempts := d.failures[c.Seq]
			if attempts < d.maxAttempts {
				metrics.RecordDispatch(c.Collection, "failed")
				d.logger.Warn("Change delivery failed",
					"seq", c.Seq, "collection", c.Collection, "id", c.ID, "attempt", attempts, "error", err)
				blocked[c.Collection] = true
				handlerErr = errors.Join(handlerErr, fmt.Errorf("%s/%s: %w", c.Collection, c.ID, err))
				continue
			}
			metrics.RecordDispatch(c.Collection, "dropped")
			d.logger.Error("Dropping change after repeated delivery failures",
				"seq", c.Seq, "collection", c.Collection, "id", c.ID, "attempts", attempts, "error", err)
		} else {
			metrics.RecordDispatch(c.Collection, "delivered")
		}
		delete(d.failures, c.Seq)
		done = append(done, c.Seq)
	}

	if err := d.changes.Ack(ctx, done...); err != nil {
		return 0, false, errors.Join(handlerErr, fmt.Errorf("ack changes: %w", err))
	}
	return len(done), len(pending) == d.batchSize && handlerErr == nil, handlerErr
}

func (d *Dispatcher) deliver(ctx context.Context, c store.Change) error {
	for _, h := range d.handlers[c.Collection] {
		if err := h.HandleChange(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
