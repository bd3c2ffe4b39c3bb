package replication

import (
	"context"
	"sync"

	"github.com/niczy/gitreview/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler accepts fire-and-forget replication requests.
type Scheduler interface {
	ScheduleUpdate(project, ref string)
}

// Request names one ref to mirror.
type Request struct {
	Project string
	Ref     string
}

// Pusher performs a single replication.
type Pusher interface {
	Push(ctx context.Context, req Request) error
}

// Discard ignores every request.
type Discard struct{}

func (Discard) ScheduleUpdate(string, string) {}

// Recorder keeps scheduled requests in memory.
type Recorder struct {
	mu   sync.Mutex
	reqs []Request
}

func (r *Recorder) ScheduleUpdate(project, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, Request{Project: project, Ref: ref})
}

// Requests returns a copy of what was scheduled.
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.reqs...)
}

// Queue is a bounded channel drained by a fixed worker pool. ScheduleUpdate
// never blocks: requests that do not fit are dropped and logged.
type Queue struct {
	pusher  Pusher
	reqs    chan Request
	workers int
	logger  *zap.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a queue with the given pool and buffer sizes.
func NewQueue(pusher Pusher, workers, size int, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pusher:  pusher,
		reqs:    make(chan Request, size),
		workers: workers,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// ScheduleUpdate enqueues a replication of ref in project.
func (q *Queue) ScheduleUpdate(project, ref string) {
	req := Request{Project: project, Ref: ref}
	select {
	case <-q.done:
		q.drop(req, "queue closed")
		return
	default:
	}
	select {
	case q.reqs <- req:
		q.metrics.Replication(metrics.ReplicationQueued)
	default:
		q.drop(req, "queue full")
	}
}

func (q *Queue) drop(req Request, reason string) {
	q.metrics.Replication(metrics.ReplicationDropped)
	q.logger.Warn("replication dropped",
		zap.String("project", req.Project),
		zap.String("ref", req.Ref),
		zap.String("reason", reason))
}

// Run starts the workers and blocks until ctx is cancelled or Close is
// called and the backlog is drained.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			return q.work(ctx)
		})
	}
	return g.Wait()
}

// Close stops accepting requests; workers exit once the buffer is empty.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-q.reqs:
			q.push(ctx, req)
		case <-q.done:
			for {
				select {
				case req := <-q.reqs:
					q.push(ctx, req)
				default:
					return nil
				}
			}
		}
	}
}

func (q *Queue) push(ctx context.Context, req Request) {
	if err := q.pusher.Push(ctx, req); err != nil {
		q.metrics.Replication(metrics.ReplicationFailed)
		q.logger.Warn("replication failed",
			zap.String("project", req.Project),
			zap.String("ref", req.Ref),
			zap.Error(err))
		return
	}
	q.metrics.Replication(metrics.ReplicationPushed)
	q.logger.Debug("replicated", zap.String("project", req.Project), zap.String("ref", req.Ref))
}
