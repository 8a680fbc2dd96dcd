package runqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/autopilot/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrClosed is returned for work submitted to, or still queued in, a closed queue
	ErrClosed = errors.New("run queue closed")

	// ErrLaneReset is returned for queued work dropped by ResetLane
	ErrLaneReset = errors.New("lane reset")
)

// Task is one unit of work; its context is cancelled when the queue closes
type Task func(ctx context.Context) (any, error)

// Config configures a Queue
type Config struct {
	// Concurrency is the number of tasks one lane runs at once; zero means 1
	Concurrency int

	// WarnAfter logs a warning for tasks queued longer than this; zero disables it
	WarnAfter time.Duration

	// DedupTTL is how long a result is replayed for a repeated request id; zero means 5m
	DedupTTL time.Duration

	Logger zerolog.Logger
}

type record struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan outcome
}

type outcome struct {
	value any
	err   error
}

type lane struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*record
	running     int
}

// Queue runs tasks in named lanes. Tasks in one lane start in FIFO order,
// at most Concurrency at a time; different lanes run independently.
type Queue struct {
	concurrency int
	warnAfter   time.Duration
	logger      zerolog.Logger
	dedup       *dedupCache

	mu     sync.Mutex
	lanes  map[string]*lane
	seq    int
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue
func New(cfg Config) *Queue {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		concurrency: concurrency,
		warnAfter:   cfg.WarnAfter,
		logger:      cfg.Logger,
		dedup:       newDedupCache(ctx, cfg.DedupTTL),
		lanes:       make(map[string]*lane),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit queues task in the named lane and waits for its result. When ctx
// carries a request id (see WithRequestID) a finished result for the same id
// in the same lane is replayed instead of running the task again.
func (q *Queue) Submit(ctx context.Context, laneName string, task Task) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// request ids are only unique within a lane
	requestID := RequestIDFromContext(ctx)
	dedupKey := ""
	if requestID != "" {
		dedupKey = laneName + "\x00" + requestID
		if cached, ok := q.dedup.Get(dedupKey); ok {
			q.logger.Debug().
				Str("lane", laneName).
				Str("request_id", requestID).
				Msg("Replaying cached result")
			return cached.value, cached.err
		}
	}

	ctx, span := tracing.StartSpan(ctx, "runqueue.submit", attribute.String("lane", laneName))
	defer span.End()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.seq++
	id := fmt.Sprintf("%s-%d", laneName, q.seq)
	l := q.laneLocked(laneName)

	// q.mu stays held until the record is queued so Close cannot drain the lane in between
	l.mu.Lock()
	rec := &record{
		id:         id,
		task:       task,
		ctx:        ctx,
		generation: l.generation,
		enqueuedAt: time.Now(),
		result:     make(chan outcome, 1),
	}
	l.queue = append(l.queue, rec)
	depth := len(l.queue)
	l.mu.Unlock()
	q.mu.Unlock()

	q.logger.Debug().
		Str("lane", laneName).
		Str("task_id", id).
		Int("queue_size", depth).
		Msg("Task enqueued")

	if q.warnAfter > 0 {
		go q.warnIfWaiting(laneName, l, rec)
	}
	q.process(laneName, l)

	select {
	case res := <-rec.result:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		} else if dedupKey != "" {
			q.dedup.Set(dedupKey, res)
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		l = &lane{concurrency: q.concurrency}
		q.lanes[name] = l
	}
	return l
}

// process starts queued tasks while the lane has capacity
func (q *Queue) process(name string, l *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.running < l.concurrency && len(l.queue) > 0 {
		rec := l.queue[0]
		l.queue = l.queue[1:]

		if rec.generation != l.generation {
			rec.result <- outcome{err: ErrLaneReset}
			continue
		}
		if rec.ctx.Err() != nil {
			// the submitter gave up while the task was queued
			continue
		}

		l.running++
		q.wg.Add(1)
		go q.execute(name, l, rec)
	}
}

func (q *Queue) execute(name string, l *lane, rec *record) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(rec.ctx, "runqueue.execute",
		attribute.String("lane", name),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	wait := time.Since(rec.enqueuedAt)
	start := time.Now()
	value, err := rec.task(runCtx)
	duration := time.Since(start)

	l.mu.Lock()
	l.running--
	l.mu.Unlock()

	rec.result <- outcome{value: value, err: err}

	event := q.logger.Debug()
	if err != nil {
		span.RecordError(err)
		event = q.logger.Warn().Err(err)
	}
	event.
		Str("lane", name).
		Str("task_id", rec.id).
		Dur("wait", wait).
		Dur("duration", duration).
		Msg("Task finished")

	q.process(name, l)
}

func (q *Queue) warnIfWaiting(name string, l *lane, rec *record) {
	timer := time.NewTimer(q.warnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-q.ctx.Done():
		return
	case <-rec.ctx.Done():
		return
	}

	l.mu.Lock()
	pos := -1
	for i, r := range l.queue {
		if r == rec {
			pos = i
			break
		}
	}
	l.mu.Unlock()

	if pos >= 0 {
		q.logger.Warn().
			Str("lane", name).
			Str("task_id", rec.id).
			Dur("wait", time.Since(rec.enqueuedAt)).
			Int("queue_position", pos).
			Msg("Task waiting longer than expected")
	}
}

// LaneStats is a point-in-time view of one lane
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns the state of every lane seen so far
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		l.mu.Lock()
		stats[name] = LaneStats{Queued: len(l.queue), Running: l.running, Concurrency: l.concurrency}
		l.mu.Unlock()
	}
	return stats
}

// ResetLane drops the lane's queued tasks with ErrLaneReset. Running tasks finish normally.
func (q *Queue) ResetLane(name string) int {
	q.mu.Lock()
	l, ok := q.lanes[name]
	q.mu.Unlock()
	if !ok {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.generation++
	dropped := len(l.queue)
	for _, rec := range l.queue {
		rec.result <- outcome{err: ErrLaneReset}
	}
	l.queue = nil

	q.logger.Info().Str("lane", name).Int("dropped", dropped).Msg("Lane reset")
	return dropped
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	lanes := make([]*lane, 0, len(q.lanes))
	for _, l := range q.lanes {
		lanes = append(lanes, l)
	}
	q.mu.Unlock()

	for _, l := range lanes {
		l.mu.Lock()
		for _, rec := range l.queue {
			rec.result <- outcome{err: ErrClosed}
		}
		l.queue = nil
		l.mu.Unlock()
	}

	q.cancel()
	q.wg.Wait()
	return nil
}
