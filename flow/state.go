// Package flow holds observable state: a current value plus an ordered feed
// of every change for each subscriber.
//
// Set never blocks. Each subscriber has its own unbounded queue, so a slow
// reader sees every value in the order it was set instead of only the latest.
package flow

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the subscription or the state is closed
// and the queue has been drained.
var ErrClosed = errors.New("flow: closed")

// State is a value that can be read, replaced and observed.
type State[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewState returns a State holding initial.
func NewState[T any](initial T) *State[T] {
	return &State[T]{
		value: initial,
		subs:  make(map[*Subscription[T]]struct{}),
	}
}

// Value returns the current value.
func (s *State[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set records v as the current value and queues it for every subscriber.
// After Close it only updates the current value.
func (s *State[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	for sub := range s.subs {
		sub.push(v)
	}
}

// Subscribe returns a subscription whose first value is the current one.
func (s *State[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription[T]{
		state: s,
		wake:  make(chan struct{}, 1),
	}
	sub.push(s.value)
	if s.closed {
		sub.done = true
	} else {
		s.subs[sub] = struct{}{}
	}
	return sub
}

// Close ends every subscription. Queued values are still delivered.
func (s *State[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.finish()
	}
	s.subs = map[*Subscription[T]]struct{}{}
}

func (s *State[T]) remove(sub *Subscription[T]) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Subscription is one reader's view of a State.
type Subscription[T any] struct {
	state *State[T]

	mu      sync.Mutex
	pending []T
	done    bool
	wake    chan struct{}
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a value is available, the subscription is closed, or
// ctx is done.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			v := s.pending[0]
			var zero T
			s.pending[0] = zero
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return v, nil
		}
		done := s.done
		s.mu.Unlock()

		if done {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Close detaches the subscription and drops anything still queued.
func (s *Subscription[T]) Close() {
	s.state.remove(s)
	s.mu.Lock()
	s.done = true
	s.pending = nil
	s.mu.Unlock()
	s.signal()
}
