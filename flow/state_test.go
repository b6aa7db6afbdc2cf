package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_DeliversCurrentValueFirst(t *testing.T) {
	s := NewState("idle")
	s.Set("starting")

	sub := s.Subscribe()
	defer sub.Close()

	v, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "starting", v)
}

func TestSet_PreservesOrderForSlowReader(t *testing.T) {
	s := NewState(0)
	sub := s.Subscribe()
	defer sub.Close()

	for i := 1; i <= 1000; i++ {
		s.Set(i)
	}

	ctx := context.Background()
	for want := 0; want <= 1000; want++ {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	assert.Equal(t, 1000, s.Value())
}

func TestSet_DoesNotBlockWithoutReaders(t *testing.T) {
	s := NewState(0)
	_ = s.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Set(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Set blocked on an idle subscriber")
	}
}

func TestNext_ContextCancel(t *testing.T) {
	s := NewState(1)
	sub := s.Subscribe()
	defer sub.Close()

	_, err := sub.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_DrainsThenEnds(t *testing.T) {
	s := NewState("a")
	sub := s.Subscribe()
	s.Set("b")
	s.Close()
	s.Set("c")

	ctx := context.Background()
	v, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "c", s.Value())

	late := s.Subscribe()
	v, err = late.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", v)
	_, err = late.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscriptionClose_Detaches(t *testing.T) {
	s := NewState(0)
	sub := s.Subscribe()
	sub.Close()
	s.Set(1)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.subs)
}
