// Package reorder persists optimistic reorders to the backend. Writes for one partition are
// serialized in issue order so an older write can never land after a newer one.
package reorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/nego/pkg/ordering"
)

var ErrClosed = errors.New("synchronizer closed")

// Persister writes the full set of positions for one partition.
type Persister[ID comparable] interface {
	Persist(ctx context.Context, partition ordering.Partition, pairs []ordering.Pair[ID]) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc[ID comparable] func(ctx context.Context, partition ordering.Partition, pairs []ordering.Pair[ID]) error

func (f PersisterFunc[ID]) Persist(ctx context.Context, partition ordering.Partition, pairs []ordering.Pair[ID]) error {
	return f(ctx, partition, pairs)
}

// Policy bounds a single persist call.
type Policy struct {
	// Attempts is the total number of tries for a retryable failure, at least 1.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout applies to each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Timeout: 10 * time.Second}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Result is delivered once a submitted write has finished, successfully or not.
type Result struct {
	Partition ordering.Partition
	Seq       uint64
	Attempts  int
	Err       error
}

type job[ID comparable] struct {
	ctx   context.Context
	seq   uint64
	pairs []ordering.Pair[ID]
	done  chan Result
}

type lane[ID comparable] struct {
	mu        sync.Mutex
	queue     []*job[ID]
	wake      chan struct{}
	nextSeq   uint64
	lastOK    uint64
	inFlight  bool
	partition ordering.Partition
}

// Synchronizer owns one FIFO worker per partition.
type Synchronizer[ID comparable] struct {
	persister Persister[ID]
	policy    Policy
	retryable func(error) bool
	logger    *slog.Logger

	mu     sync.Mutex
	lanes  map[ordering.Partition]*lane[ID]
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

type Option[ID comparable] func(*Synchronizer[ID])

func WithPolicy[ID comparable](p Policy) Option[ID] {
	return func(s *Synchronizer[ID]) {
		if p.Attempts < 1 {
			p.Attempts = 1
		}
		s.policy = p
	}
}

// WithRetryable overrides which errors are worth another attempt.
func WithRetryable[ID comparable](f func(error) bool) Option[ID] {
	return func(s *Synchronizer[ID]) { s.retryable = f }
}

func WithLogger[ID comparable](l *slog.Logger) Option[ID] {
	return func(s *Synchronizer[ID]) { s.logger = l }
}

func NewSynchronizer[ID comparable](persister Persister[ID], opts ...Option[ID]) *Synchronizer[ID] {
	s := &Synchronizer[ID]{
		persister: persister,
		policy:    DefaultPolicy(),
		retryable: IsRetryable,
		logger:    slog.Default(),
		lanes:     make(map[ordering.Partition]*lane[ID]),
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsRetryable treats errors that report Retryable() as authoritative, never retries cancellation,
// and retries everything else (transport failures). An attempt cut off by Policy.Timeout is retried
// regardless.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Submit queues a write and returns immediately. The channel receives exactly one Result.
func (s *Synchronizer[ID]) Submit(ctx context.Context, partition ordering.Partition, pairs []ordering.Pair[ID]) (uint64, <-chan Result) {
	done := make(chan Result, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done <- Result{Partition: partition, Err: ErrClosed}
		return 0, done
	}
	l, ok := s.lanes[partition]
	if !ok {
		l = &lane[ID]{wake: make(chan struct{}, 1), partition: partition}
		s.lanes[partition] = l
		s.wg.Add(1)
		go s.run(l)
	}

	cp := make([]ordering.Pair[ID], len(pairs))
	copy(cp, pairs)

	// queued before s.mu is released, so a concurrent Close always finds the job when it drains
	l.mu.Lock()
	l.nextSeq++
	j := &job[ID]{ctx: ctx, seq: l.nextSeq, pairs: cp, done: done}
	l.queue = append(l.queue, j)
	l.mu.Unlock()
	s.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return j.seq, done
}

// Persist queues a write and waits for it.
func (s *Synchronizer[ID]) Persist(ctx context.Context, partition ordering.Partition, pairs []ordering.Pair[ID]) error {
	_, done := s.Submit(ctx, partition, pairs)
	select {
	case res := <-done:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending counts writes for the partition that are queued or running.
func (s *Synchronizer[ID]) Pending(partition ordering.Partition) int {
	s.mu.Lock()
	l, ok := s.lanes[partition]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.queue)
	if l.inFlight {
		n++
	}
	return n
}

// LastPersisted is the sequence number of the newest write that succeeded for the partition.
func (s *Synchronizer[ID]) LastPersisted(partition ordering.Partition) uint64 {
	s.mu.Lock()
	l, ok := s.lanes[partition]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOK
}

// Close stops accepting writes, fails whatever is still queued with ErrClosed and waits for running
// writes to finish.
func (s *Synchronizer[ID]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Synchronizer[ID]) run(l *lane[ID]) {
	defer s.wg.Done()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-s.stop:
				s.drain(l)
				return
			}
		}
		select {
		case <-s.stop:
			l.mu.Unlock()
			s.drain(l)
			return
		default:
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		l.inFlight = true
		l.mu.Unlock()

		res := s.execute(l.partition, j)

		l.mu.Lock()
		l.inFlight = false
		if res.Err == nil && res.Seq > l.lastOK {
			l.lastOK = res.Seq
		}
		l.mu.Unlock()
		j.done <- res
	}
}

func (s *Synchronizer[ID]) drain(l *lane[ID]) {
	l.mu.Lock()
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, j := range queued {
		j.done <- Result{Partition: l.partition, Seq: j.seq, Err: ErrClosed}
	}
}

func (s *Synchronizer[ID]) execute(partition ordering.Partition, j *job[ID]) Result {
	res := Result{Partition: partition, Seq: j.seq}
	for attempt := 0; attempt < s.policy.Attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(s.policy.delay(attempt - 1))
			select {
			case <-t.C:
			case <-j.ctx.Done():
				t.Stop()
				res.Err = fmt.Errorf("failed to persist %s seq %d: %w", partition, j.seq, j.ctx.Err())
				return res
			case <-s.stop:
				t.Stop()
				res.Err = fmt.Errorf("failed to persist %s seq %d: %w", partition, j.seq, ErrClosed)
				return res
			}
		}
		res.Attempts = attempt + 1

		ctx, cancel := j.ctx, context.CancelFunc(func() {})
		if s.policy.Timeout > 0 {
			ctx, cancel = context.WithTimeout(j.ctx, s.policy.Timeout)
		}
		err := s.persister.Persist(ctx, partition, j.pairs)
		// only the per-attempt deadline fired; the caller still wants the write
		timedOut := err != nil && ctx.Err() != nil && j.ctx.Err() == nil
		cancel()
		if err == nil {
			s.logger.Debug("persisted order", "partition", partition.String(), "seq", j.seq, "items", len(j.pairs), "attempts", res.Attempts)
			res.Err = nil
			return res
		}
		res.Err = fmt.Errorf("failed to persist %s seq %d: %w", partition, j.seq, err)
		if !timedOut && !s.retryable(err) {
			break
		}
		s.logger.Warn("persist attempt failed", "partition", partition.String(), "seq", j.seq, "attempt", res.Attempts, "err", err)
	}
	return res
}
