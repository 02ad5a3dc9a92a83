package reorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/nego/pkg/ordering"
)

// Fetcher loads the authoritative order of a partition, ascending by position.
type Fetcher[ID comparable, T any] interface {
	Fetch(ctx context.Context, partition ordering.Partition) ([]ordering.Item[ID, T], error)
}

type FetcherFunc[ID comparable, T any] func(ctx context.Context, partition ordering.Partition) ([]ordering.Item[ID, T], error)

func (f FetcherFunc[ID, T]) Fetch(ctx context.Context, partition ordering.Partition) ([]ordering.Item[ID, T], error) {
	return f(ctx, partition)
}

// Recovery says what the controller did to the local order after a failed write.
type Recovery string

const (
	// RecoveryRefetched means the authoritative order was loaded from the backend.
	RecoveryRefetched Recovery = "refetched"
	// RecoveryRolledBack means the refetch failed too and the pre-drag snapshot was restored.
	RecoveryRolledBack Recovery = "rolled_back"
	// RecoverySuperseded means a newer write was already queued and will overwrite the backend.
	RecoverySuperseded Recovery = "superseded"
)

// SyncError is reported to the error handler when a write for the partition failed.
type SyncError struct {
	Partition ordering.Partition
	Seq       uint64
	Recovery  Recovery
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("reorder of %s (seq %d) not saved, %s: %v", e.Partition, e.Seq, e.Recovery, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Controller binds one optimistic store to the synchronizer. It implements gesture.Reorderer so any
// input adapter can drive it.
type Controller[ID comparable, T any] struct {
	store   *ordering.Store[ID, T]
	syncer  *Synchronizer[ID]
	fetcher Fetcher[ID, T]
	base    context.Context
	onError func(error)
	logger  *slog.Logger

	refetch singleflight.Group
	wg      sync.WaitGroup

	// rollback bookkeeping for writes the synchronizer dropped on Close
	mu         sync.Mutex
	applied    uint64
	closedSeq  uint64
	restoredAt uint64
}

type ControllerConfig struct {
	// Context bounds every background write and refetch. Defaults to context.Background().
	Context context.Context
	// OnError receives a *SyncError for every failed write. It may be called from any goroutine.
	OnError func(error)
	Logger  *slog.Logger
}

func NewController[ID comparable, T any](
	partition ordering.Partition,
	synchronizer *Synchronizer[ID],
	fetcher Fetcher[ID, T],
	cfg ControllerConfig,
) *Controller[ID, T] {
	c := &Controller[ID, T]{
		store:   ordering.NewStore[ID, T](partition),
		syncer:  synchronizer,
		fetcher: fetcher,
		base:    cfg.Context,
		onError: cfg.OnError,
		logger:  cfg.Logger,
	}
	if c.base == nil {
		c.base = context.Background()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.onError == nil {
		c.onError = func(err error) { c.logger.Error("reorder failed", "err", err) }
	}
	return c
}

func (c *Controller[ID, T]) Store() *ordering.Store[ID, T] { return c.store }

func (c *Controller[ID, T]) Partition() ordering.Partition { return c.store.Partition() }

// Items is the current optimistic order.
func (c *Controller[ID, T]) Items() []ordering.Item[ID, T] { return c.store.Items() }

// Open loads the partition from the backend, replacing any previous local state.
func (c *Controller[ID, T]) Open(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Refresh loads the authoritative order. Concurrent refreshes of one controller share one fetch. A
// reorder applied while the fetch is in flight is kept; its own write brings the backend up to date.
func (c *Controller[ID, T]) Refresh(ctx context.Context) error {
	rev := c.store.Revision()
	items, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	if !c.store.CompareAndLoad(rev, items) {
		c.logger.Debug("fetched order is stale, keeping local reorder", "partition", c.Partition().String())
	}
	return nil
}

func (c *Controller[ID, T]) fetch(ctx context.Context) ([]ordering.Item[ID, T], error) {
	v, err, _ := c.refetch.Do(c.Partition().String(), func() (interface{}, error) {
		items, err := c.fetcher.Fetch(ctx, c.Partition())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", c.Partition(), err)
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ordering.Item[ID, T]), nil
}

// OnReorder applies the move locally and queues the write. No-op moves never reach the network.
func (c *Controller[ID, T]) OnReorder(from, to int) {
	previous, current, rev, changed := c.store.ApplyReorder(from, to)
	if !changed {
		return
	}
	c.mu.Lock()
	c.applied = rev
	c.mu.Unlock()
	seq, done := c.syncer.Submit(c.base, c.Partition(), ordering.Pairs(current))
	c.logger.Info("reorder queued", "partition", c.Partition().String(), "seq", seq, "from", from, "to", to)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := <-done
		if res.Err == nil {
			return
		}
		c.recoverFrom(res, previous)
	}()
}

func (c *Controller[ID, T]) recoverFrom(res Result, previous []ordering.Item[ID, T]) {
	syncErr := &SyncError{Partition: res.Partition, Seq: res.Seq, Err: res.Err}
	switch {
	case errors.Is(res.Err, ErrClosed):
		syncErr.Recovery = RecoveryRolledBack
		c.rollbackUnsent(res.Seq, previous)
	case c.syncer.Pending(c.Partition()) > 0:
		syncErr.Recovery = RecoverySuperseded
	default:
		// a reorder applied while the refetch is in flight wins over the fetched order
		rev := c.store.Revision()
		items, err := c.fetch(c.base)
		if err != nil {
			c.logger.Warn("refetch after failed reorder failed, rolling back", "partition", c.Partition().String(), "err", err)
			c.store.CompareAndLoad(rev, previous)
			syncErr.Recovery = RecoveryRolledBack
		} else {
			c.store.CompareAndLoad(rev, items)
			syncErr.Recovery = RecoveryRefetched
		}
	}
	c.onError(syncErr)
}

// rollbackUnsent restores the snapshot taken before the oldest write that Close dropped. Results
// arrive in any order, so a newer write's snapshot never replaces an older one, and nothing is restored
// over an order loaded or applied after the last drag.
func (c *Controller[ID, T]) rollbackUnsent(seq uint64, previous []ordering.Item[ID, T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedSeq != 0 && seq > c.closedSeq {
		return
	}
	expected := c.applied
	if c.closedSeq != 0 {
		expected = c.restoredAt
	}
	if c.store.CompareAndLoad(expected, previous) {
		c.closedSeq = seq
		c.restoredAt = c.store.Revision()
	}
}

// Wait blocks until every queued write has finished and any recovery it caused has been applied.
func (c *Controller[ID, T]) Wait() {
	c.wg.Wait()
}
