package reorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nego/pkg/ordering"
)

type retryErr struct{ retry bool }

func (e retryErr) Error() string   { return "backend said no" }
func (e retryErr) Retryable() bool { return e.retry }

var sections = ordering.Partition{Kind: ordering.KindSections, ParentID: 7}

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestSynchronizerSerializesPerPartition(t *testing.T) {
	var running int32
	var mu sync.Mutex
	var seen []int

	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		if atomic.AddInt32(&running, 1) != 1 {
			t.Errorf("concurrent persist for %s", p)
		}
		time.Sleep(200 * time.Microsecond)
		mu.Lock()
		seen = append(seen, int(pairs[0].ID))
		mu.Unlock()
		atomic.AddInt32(&running, -1)
		return nil
	}))
	defer s.Close()

	var results []<-chan Result
	for i := 0; i < 20; i++ {
		seq, done := s.Submit(context.Background(), sections, []ordering.Pair[int64]{{ID: int64(i), Position: 0}})
		assert.Equal(t, uint64(i+1), seq)
		results = append(results, done)
	}
	for _, done := range results {
		require.NoError(t, (<-done).Err)
	}

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, seen)
	assert.Equal(t, uint64(20), s.LastPersisted(sections))
	assert.Equal(t, 0, s.Pending(sections))
}

func TestSynchronizerPartitionsRunIndependently(t *testing.T) {
	block := make(chan struct{})
	other := ordering.Partition{Kind: ordering.KindProducts, ParentID: 1}

	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		if p == sections {
			<-block
		}
		return nil
	}))
	defer s.Close()

	_, blocked := s.Submit(context.Background(), sections, nil)
	require.NoError(t, s.Persist(context.Background(), other, nil))
	assert.Equal(t, 1, s.Pending(sections))

	close(block)
	require.NoError(t, (<-blocked).Err)
}

func TestSynchronizerRetriesWithSamePayload(t *testing.T) {
	var calls int
	var payloads [][]ordering.Pair[int64]
	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		calls++
		payloads = append(payloads, pairs)
		if calls < 3 {
			return retryErr{retry: true}
		}
		return nil
	}), WithPolicy[int64](fastPolicy(3)))
	defer s.Close()

	pairs := []ordering.Pair[int64]{{ID: 2, Position: 0}, {ID: 1, Position: 1}}
	_, done := s.Submit(context.Background(), sections, pairs)
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, payloads, 3)
	for _, p := range payloads {
		assert.Equal(t, pairs, p)
	}
}

func TestSynchronizerDoesNotRetryPermanentFailures(t *testing.T) {
	var calls int
	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		calls++
		return retryErr{retry: false}
	}), WithPolicy[int64](fastPolicy(5)))
	defer s.Close()

	err := s.Persist(context.Background(), sections, nil)
	require.Error(t, err)
	var re retryErr
	assert.True(t, errors.As(err, &re))
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(0), s.LastPersisted(sections))
}

func TestSynchronizerGivesUpAfterAttempts(t *testing.T) {
	var calls int
	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		calls++
		return errors.New("connection refused")
	}), WithPolicy[int64](fastPolicy(2)))
	defer s.Close()

	_, done := s.Submit(context.Background(), sections, nil)
	res := <-done
	require.Error(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, calls)
}

func TestSynchronizerAppliesAttemptTimeout(t *testing.T) {
	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		<-ctx.Done()
		return ctx.Err()
	}), WithPolicy[int64](Policy{Attempts: 1, Timeout: 10 * time.Millisecond}))
	defer s.Close()

	err := s.Persist(context.Background(), sections, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSynchronizerClose(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		close(started)
		<-release
		return nil
	}))

	_, running := s.Submit(context.Background(), sections, nil)
	<-started
	_, queued := s.Submit(context.Background(), sections, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		close(release)
	}()
	s.Close()

	assert.NoError(t, (<-running).Err)
	assert.ErrorIs(t, (<-queued).Err, ErrClosed)

	_, late := s.Submit(context.Background(), sections, nil)
	assert.ErrorIs(t, (<-late).Err, ErrClosed)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(errors.New("eof")))
	assert.False(t, IsRetryable(retryErr{retry: false}))
	assert.True(t, IsRetryable(retryErr{retry: true}))
}

func TestSynchronizerRetriesTimedOutAttempt(t *testing.T) {
	var calls int32
	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}), WithPolicy[int64](Policy{Attempts: 3, BaseDelay: time.Millisecond, Timeout: 20 * time.Millisecond}))
	defer s.Close()

	_, done := s.Submit(context.Background(), sections, nil)
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestSynchronizerCallerDeadlineIsNotRetried(t *testing.T) {
	var calls int32
	s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	}), WithPolicy[int64](Policy{Attempts: 3, BaseDelay: time.Millisecond, Timeout: time.Second}))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, done := s.Submit(ctx, sections, nil)
	res := <-done
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSynchronizerSubmitRacingClose(t *testing.T) {
	for i := 0; i < 500; i++ {
		s := NewSynchronizer[int64](PersisterFunc[int64](func(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
			return nil
		}))
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			s.Close()
		}()
		_, done := s.Submit(context.Background(), sections, nil)
		select {
		case res := <-done:
			if res.Err != nil {
				assert.ErrorIs(t, res.Err, ErrClosed)
			}
		case <-time.After(time.Second):
			t.Fatalf("submit %d never received a result", i)
		}
		<-closed
	}
}
