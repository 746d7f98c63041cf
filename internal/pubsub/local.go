package pubsub

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broker closed")

// Local is an in-process broker for single node deployments.
type Local struct {
	mu     sync.RWMutex
	events chan Event
	closed bool
}

func NewLocal(bufferSize int) *Local {
	return &Local{events: make(chan Event, bufferSize)}
}

func (l *Local) Publish(ctx context.Context, ev Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	select {
	case l.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Events() <-chan Event {
	return l.events
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.events)
	}
	return nil
}
