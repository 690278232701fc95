package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dj-oyu/detection-stream-server/internal/logger"
	"github.com/dj-oyu/detection-stream-server/internal/metrics"
	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

// EventSink persists confirmed batches. A failure is reported to the
// caller but never ends a session.
type EventSink interface {
	Persist(ctx context.Context, batch []types.ConfirmedEvent) error
}

// SnapshotSaver stores the annotated frame of a confirmed batch and
// returns the path recorded on its events.
type SnapshotSaver interface {
	Save(data []byte, label string, at time.Time) (string, error)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, batch []types.ConfirmedEvent) error

func (f SinkFunc) Persist(ctx context.Context, batch []types.ConfirmedEvent) error {
	return f(ctx, batch)
}

// FanoutSink hands every batch to each sink in order. All sinks run even
// if an earlier one fails; the errors are combined.
type FanoutSink []EventSink

func (f FanoutSink) Persist(ctx context.Context, batch []types.ConfirmedEvent) error {
	var errs error
	for _, s := range f {
		if s == nil {
			continue
		}
		errs = multierr.Append(errs, s.Persist(ctx, batch))
	}
	return errs
}

type sinkJob struct {
	events   []types.ConfirmedEvent
	snapshot []byte
}

// asyncSink runs persistence for one session on its own goroutine so a
// slow or failing store never stalls the frame loop. Submit never blocks;
// a full queue drops the batch.
type asyncSink struct {
	sessionID string
	sink      EventSink
	snapshots SnapshotSaver
	timeout   time.Duration
	metrics   *metrics.Metrics

	queue     chan sinkJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newAsyncSink(sessionID string, sink EventSink, snapshots SnapshotSaver, queueSize int, timeout time.Duration, m *metrics.Metrics) *asyncSink {
	if queueSize <= 0 {
		queueSize = 16
	}
	s := &asyncSink{
		sessionID: sessionID,
		sink:      sink,
		snapshots: snapshots,
		timeout:   timeout,
		metrics:   m,
		queue:     make(chan sinkJob, queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit queues a batch. The sink owns events after the call.
func (s *asyncSink) Submit(events []types.ConfirmedEvent, snapshot []byte) bool {
	select {
	case s.queue <- sinkJob{events: events, snapshot: snapshot}:
		return true
	default:
		s.metrics.PersistDropped.Add(1)
		logger.Warn("Sink", "[%s] queue full, dropped batch of %d events", s.sessionID, len(events))
		return false
	}
}

// Close drains queued batches and waits for the worker to exit.
func (s *asyncSink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
}

func (s *asyncSink) run() {
	defer s.wg.Done()
	for job := range s.queue {
		s.handle(job)
	}
}

func (s *asyncSink) handle(job sinkJob) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.PersistFailures.Add(1)
			logger.Error("Sink", "[%s] persistence panic: %v", s.sessionID, r)
		}
	}()
	if len(job.events) == 0 {
		return
	}

	if s.snapshots != nil && len(job.snapshot) > 0 {
		first := job.events[0]
		path, err := s.snapshots.Save(job.snapshot, first.Label, first.OccurredAt)
		if err != nil {
			logger.Warn("Sink", "[%s] snapshot not saved: %v", s.sessionID, err)
		} else {
			s.metrics.SnapshotsSaved.Add(1)
			for i := range job.events {
				job.events[i].ImagePath = path
			}
		}
	}

	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.sink.Persist(ctx, job.events); err != nil {
		s.metrics.PersistFailures.Add(1)
		logger.Error("Sink", "[%s] %v", s.sessionID, fmt.Errorf("%s: %w", KindPersistence, err))
		return
	}
	logger.Debug("Sink", "[%s] persisted %d %s events", s.sessionID, len(job.events), job.events[0].Label)
}
