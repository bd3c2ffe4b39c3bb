package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/niczy/gitreview/internal/models"
	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

// Kind identifies which notification template an event uses.
type Kind int

const (
	KindNewChange Kind = iota
	KindNewPatchSet
	KindMerged
)

func (k Kind) String() string {
	switch k {
	case KindNewChange:
		return "new-change"
	case KindNewPatchSet:
		return "new-patch-set"
	case KindMerged:
		return "merged"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one notification about a change.
type Event struct {
	Kind      Kind
	Change    models.Change
	PatchSet  models.PatchSet
	From      int64
	Message   string
	Reviewers []int64
	CC        []int64
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Send(context.Context, Event) error { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Queue decouples notification delivery from the push. Send never blocks;
// delivery errors are logged and dropped.
type Queue struct {
	sender Sender
	events chan Event
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a queue holding up to size pending events.
func NewQueue(sender Sender, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		sender: sender,
		events: make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send enqueues ev.
func (q *Queue) Send(_ context.Context, ev Event) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.events <- ev:
		return nil
	default:
		q.logger.Warn("notification dropped", zap.String("kind", ev.Kind.String()), zap.Int64("change", ev.Change.ID))
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled or Close is called.
// Events still queued at Close are delivered before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-q.events:
			q.deliver(ctx, ev)
		case <-q.done:
			for {
				select {
				case ev := <-q.events:
					q.deliver(ctx, ev)
				default:
					return nil
				}
			}
		}
	}
}

// Close stops Run after the pending events are delivered.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) deliver(ctx context.Context, ev Event) {
	if err := q.sender.Send(ctx, ev); err != nil {
		q.logger.Warn("notification failed",
			zap.String("kind", ev.Kind.String()),
			zap.Int64("change", ev.Change.ID),
			zap.Error(err))
	}
}
