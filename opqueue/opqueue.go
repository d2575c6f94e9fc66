// Package opqueue serializes operations per peripheral. Each key gets a
// FIFO lane served by one worker goroutine, so at most one operation runs
// against a given peripheral at a time while different peripherals proceed
// in parallel.
//
// Lanes are created on first use and retired as soon as their last
// operation settles; an idle queue holds no goroutines and no per-key
// state. A failed operation settles its own caller and the lane moves on:
// errors never wedge the chain behind them.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blepool/internal/groutine"
)

// ErrQueueCleared reports an operation rejected because the queue was shut
// down. Clearing is permanent; a cleared queue accepts no further work.
var ErrQueueCleared = errors.New("operation queue cleared")

// Operation is a unit of work executed on a lane worker. It receives the
// enqueuer's context and should honor it where it can; the queue itself
// never interrupts a running operation.
type Operation func(ctx context.Context) (any, error)

type outcome struct {
	value any
	err   error
}

// queuedOp carries one pending operation and its settle channel. The
// channel is buffered so settling never blocks on an absent caller.
type queuedOp struct {
	ctx    context.Context
	run    Operation
	result chan outcome
}

// lane is the per-key FIFO. depth counts unsettled operations, queued and
// running both; the lane retires when it returns to zero.
type lane struct {
	backlog []*queuedOp
	depth   int
}

// Queue dispatches operations to per-key FIFO lanes. Safe for concurrent
// use.
type Queue struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	cleared bool
	logger  *logrus.Logger
}

// New creates an empty queue. A nil logger is replaced with a default one.
func New(logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		lanes:  make(map[string]*lane),
		logger: logger,
	}
}

// Enqueue appends op to the key's lane and blocks until the operation
// settles or ctx fires.
//
// Cancellation ends only the wait: an operation that has not started yet
// is skipped by the worker and never runs, while one that is already
// executing continues and its outcome is discarded. A ctx that has already
// fired rejects immediately without touching the lane, as does a cleared
// queue.
func (q *Queue) Enqueue(ctx context.Context, key string, op Operation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	item := &queuedOp{ctx: ctx, run: op, result: make(chan outcome, 1)}

	q.mu.Lock()
	if q.cleared {
		q.mu.Unlock()
		return nil, ErrQueueCleared
	}
	ln, exists := q.lanes[key]
	if !exists {
		ln = &lane{}
		q.lanes[key] = ln
	}
	ln.backlog = append(ln.backlog, item)
	ln.depth++
	if !exists {
		groutine.Go(context.Background(), "opqueue-lane-"+key, func(context.Context) {
			q.runLane(key, ln)
		})
	}
	q.mu.Unlock()

	select {
	case res := <-item.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Enqueue runs a typed operation through q. It is a thin wrapper over the
// method of the same name for callers that want to keep their types.
func Enqueue[T any](ctx context.Context, q *Queue, key string, op func(ctx context.Context) (T, error)) (T, error) {
	value, err := q.Enqueue(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, _ := value.(T)
	return result, nil
}

// Depth returns the number of unsettled operations for key, running one
// included. Unknown keys report zero.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[key]; ok {
		return ln.depth
	}
	return 0
}

// Clear permanently shuts the queue down. Every queued-but-not-started
// operation settles with ErrQueueCleared right away; operations already
// executing run to completion and settle normally. All later Enqueue calls
// are rejected.
func (q *Queue) Clear() {
	q.mu.Lock()
	if q.cleared {
		q.mu.Unlock()
		return
	}
	q.cleared = true

	var rejected []*queuedOp
	for _, ln := range q.lanes {
		rejected = append(rejected, ln.backlog...)
		ln.depth -= len(ln.backlog)
		ln.backlog = nil
	}
	q.mu.Unlock()

	for _, item := range rejected {
		item.result <- outcome{err: ErrQueueCleared}
	}

	q.logger.WithField("rejected", len(rejected)).Info("Operation queue cleared")
}

// runLane serves one key's FIFO until the backlog drains, then retires the
// lane. Retirement and the next Enqueue for the same key race on q.mu, so
// either the worker picks the new item up or a fresh lane replaces this
// one; work is never stranded.
func (q *Queue) runLane(key string, ln *lane) {
	for {
		q.mu.Lock()
		if len(ln.backlog) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		item := ln.backlog[0]
		ln.backlog = ln.backlog[1:]
		q.mu.Unlock()

		q.execute(key, item)

		q.mu.Lock()
		ln.depth--
		q.mu.Unlock()
	}
}

// execute runs a single dequeued operation and settles it. Operations whose
// caller already gave up are skipped, not run.
func (q *Queue) execute(key string, item *queuedOp) {
	if err := item.ctx.Err(); err != nil {
		item.result <- outcome{err: context.Cause(item.ctx)}
		return
	}

	value, err := q.runProtected(key, item)
	item.result <- outcome{value: value, err: err}
}

// runProtected invokes the operation with panic containment so a bad
// operation cannot take the lane worker down with it.
func (q *Queue) runProtected(key string, item *queuedOp) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"key":   key,
				"panic": r,
			}).Error("Queued operation panicked")
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return item.run(item.ctx)
}
