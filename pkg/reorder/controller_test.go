package reorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nego/pkg/ordering"
)

type product struct {
	Name string
}

// fakeBackend keeps one partition in memory and applies full-partition overwrites.
type fakeBackend struct {
	mu       sync.Mutex
	rows     []ordering.Item[int64, product]
	writes   [][]int64
	calls    int
	gates    map[int]chan struct{}
	failures map[int]error
	fetchErr error
	fetches  int
	// fetchGate holds Fetch after it has read the rows
	fetchGate chan struct{}
}

func newFakeBackend(names ...string) *fakeBackend {
	b := &fakeBackend{gates: map[int]chan struct{}{}, failures: map[int]error{}}
	for i, n := range names {
		b.rows = append(b.rows, ordering.Item[int64, product]{ID: int64(i + 1), Position: i, Payload: product{Name: n}})
	}
	return b
}

func (b *fakeBackend) gate(call int) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := make(chan struct{})
	b.gates[call] = g
	return g
}

func (b *fakeBackend) Persist(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
	b.mu.Lock()
	b.calls++
	call := b.calls
	g := b.gates[call]
	fail := b.failures[call]
	b.mu.Unlock()

	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	byID := map[int64]ordering.Item[int64, product]{}
	for _, r := range b.rows {
		byID[r.ID] = r
	}
	next := make([]ordering.Item[int64, product], len(pairs))
	ids := make([]int64, len(pairs))
	for _, pr := range pairs {
		r := byID[pr.ID]
		r.Position = pr.Position
		next[pr.Position] = r
	}
	for i, r := range next {
		ids[i] = r.ID
	}
	b.rows = next
	b.writes = append(b.writes, ids)
	return nil
}

func (b *fakeBackend) Fetch(ctx context.Context, p ordering.Partition) ([]ordering.Item[int64, product], error) {
	b.mu.Lock()
	b.fetches++
	if b.fetchErr != nil {
		b.mu.Unlock()
		return nil, b.fetchErr
	}
	out := make([]ordering.Item[int64, product], len(b.rows))
	copy(out, b.rows)
	g := b.fetchGate
	b.mu.Unlock()

	if g != nil {
		<-g
	}
	return out, nil
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) order() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ordering.IDs(b.rows)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

var products = ordering.Partition{Kind: ordering.KindProducts, ParentID: 3}

func newTestController(t *testing.T, b *fakeBackend, errs chan error) *Controller[int64, product] {
	t.Helper()
	s := NewSynchronizer[int64](b, WithPolicy[int64](fastPolicy(1)))
	t.Cleanup(s.Close)
	c := NewController[int64, product](products, s, b, ControllerConfig{
		OnError: func(err error) { errs <- err },
	})
	require.NoError(t, c.Open(context.Background()))
	return c
}

func TestControllerPersistsOptimisticOrder(t *testing.T) {
	b := newFakeBackend("A", "B", "C", "D")
	errs := make(chan error, 4)
	c := newTestController(t, b, errs)

	c.OnReorder(0, 2)
	assert.Equal(t, []int64{2, 3, 1, 4}, ordering.IDs(c.Items()), "applied before the write settles")
	c.Wait()

	assert.Equal(t, []int64{2, 3, 1, 4}, b.order())
	assert.Empty(t, errs)
}

func TestControllerNoopMoveSkipsNetwork(t *testing.T) {
	b := newFakeBackend("A", "B")
	errs := make(chan error, 1)
	c := newTestController(t, b, errs)

	c.OnReorder(1, 1)
	c.Wait()
	assert.Equal(t, 0, b.callCount())
}

// Two drags before the first write resolves: the backend must end up with the second order.
func TestControllerRapidReordersLastWriteWins(t *testing.T) {
	b := newFakeBackend("A", "B", "C", "D")
	first := b.gate(1)
	errs := make(chan error, 4)
	c := newTestController(t, b, errs)

	c.OnReorder(0, 2) // B C A D
	require.Eventually(t, func() bool { return b.callCount() == 1 }, time.Second, time.Millisecond)
	c.OnReorder(0, 1) // C B A D
	assert.Equal(t, []int64{3, 2, 1, 4}, ordering.IDs(c.Items()))

	// the second write is held behind the first instead of racing it
	assert.Equal(t, 1, b.callCount())
	close(first)
	c.Wait()

	assert.Equal(t, [][]int64{{2, 3, 1, 4}, {3, 2, 1, 4}}, b.writes)
	assert.Equal(t, []int64{3, 2, 1, 4}, b.order())
	assert.Equal(t, b.order(), ordering.IDs(c.Items()))
	assert.Empty(t, errs)
}

func TestControllerRefetchesAfterFailure(t *testing.T) {
	b := newFakeBackend("A", "B", "C")
	b.failures[1] = retryErr{retry: false}
	errs := make(chan error, 1)
	c := newTestController(t, b, errs)

	c.OnReorder(2, 0)
	c.Wait()

	assert.Equal(t, []int64{1, 2, 3}, ordering.IDs(c.Items()))
	var syncErr *SyncError
	require.ErrorAs(t, <-errs, &syncErr)
	assert.Equal(t, RecoveryRefetched, syncErr.Recovery)
	assert.Equal(t, uint64(1), syncErr.Seq)
	assert.Equal(t, 2, b.fetches, "open + recovery")
}

func TestControllerRollsBackWhenRefetchFails(t *testing.T) {
	b := newFakeBackend("A", "B", "C")
	b.failures[1] = errors.New("connection reset")
	errs := make(chan error, 1)
	c := newTestController(t, b, errs)

	b.mu.Lock()
	b.fetchErr = errors.New("offline")
	b.mu.Unlock()

	c.OnReorder(0, 2)
	c.Wait()

	assert.Equal(t, []int64{1, 2, 3}, ordering.IDs(c.Items()))
	assert.Equal(t, []int{0, 1, 2}, []int{c.Items()[0].Position, c.Items()[1].Position, c.Items()[2].Position})
	var syncErr *SyncError
	require.ErrorAs(t, <-errs, &syncErr)
	assert.Equal(t, RecoveryRolledBack, syncErr.Recovery)
}

func TestControllerFailureSupersededByQueuedWrite(t *testing.T) {
	b := newFakeBackend("A", "B", "C")
	first := b.gate(1)
	second := b.gate(2)
	b.failures[1] = retryErr{retry: false}
	errs := make(chan error, 2)
	c := newTestController(t, b, errs)

	c.OnReorder(0, 2) // B C A, will fail
	require.Eventually(t, func() bool { return b.callCount() == 1 }, time.Second, time.Millisecond)
	c.OnReorder(0, 1) // C B A
	close(first)

	var syncErr *SyncError
	require.ErrorAs(t, <-errs, &syncErr)
	assert.Equal(t, RecoverySuperseded, syncErr.Recovery)

	close(second)
	c.Wait()
	assert.Equal(t, []int64{3, 2, 1}, b.order())
	assert.Equal(t, []int64{3, 2, 1}, ordering.IDs(c.Items()))
	assert.Equal(t, 1, b.fetches, "no refetch for a superseded write")
}

func TestControllerRefreshKeepsReorderAppliedDuringFetch(t *testing.T) {
	b := newFakeBackend("A", "B", "C")
	errs := make(chan error, 1)
	c := newTestController(t, b, errs)

	gate := make(chan struct{})
	b.mu.Lock()
	b.fetchGate = gate
	b.mu.Unlock()

	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return b.fetchCount() == 2 }, time.Second, time.Millisecond)

	c.OnReorder(0, 2) // B C A, the fetch in flight still holds A B C
	close(gate)
	require.NoError(t, <-refreshed)
	c.Wait()

	assert.Equal(t, []int64{2, 3, 1}, ordering.IDs(c.Items()))
	assert.Equal(t, []int64{2, 3, 1}, b.order())
	assert.Empty(t, errs)
}

func TestControllerCloseRollsBackToOldestUnsentWrite(t *testing.T) {
	b := newFakeBackend("A", "B", "C")
	b.failures[1] = errors.New("connection reset")
	s := NewSynchronizer[int64](b, WithPolicy[int64](Policy{Attempts: 3, BaseDelay: time.Minute}))
	errs := make(chan error, 2)
	c := NewController[int64, product](products, s, b, ControllerConfig{
		OnError: func(err error) { errs <- err },
	})
	require.NoError(t, c.Open(context.Background()))

	c.OnReorder(0, 2) // B C A, first attempt fails and waits out the backoff
	require.Eventually(t, func() bool { return b.callCount() == 1 }, time.Second, time.Millisecond)
	c.OnReorder(0, 1) // C B A, queued behind it

	s.Close()
	c.Wait()

	assert.Equal(t, []int64{1, 2, 3}, ordering.IDs(c.Items()))
	assert.Equal(t, []int64{1, 2, 3}, b.order())
	for i := 0; i < 2; i++ {
		var syncErr *SyncError
		require.ErrorAs(t, <-errs, &syncErr)
		assert.Equal(t, RecoveryRolledBack, syncErr.Recovery)
		assert.ErrorIs(t, syncErr, ErrClosed)
	}
}
