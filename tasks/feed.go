package tasks

import (
	"context"
	"io"
	"sync"
)

// Feed is one subscriber's view of a task's events. The queue is unbounded
// so the producing task never waits on a slow consumer; the feed ends after
// the terminal status event.
type Feed struct {
	taskID string

	mu     sync.Mutex
	queue  []Event
	ended  bool // producer delivered the terminal event
	closed bool // consumer walked away
	signal chan struct{}

	unsubscribe func(*Feed)
}

func newFeed(taskID string, unsubscribe func(*Feed)) *Feed {
	return &Feed{
		taskID:      taskID,
		signal:      make(chan struct{}, 1),
		unsubscribe: unsubscribe,
	}
}

// TaskID returns the task this feed follows.
func (f *Feed) TaskID() string {
	return f.taskID
}

// push appends ev. The feed ends after a final event.
func (f *Feed) push(ev Event) {
	f.mu.Lock()
	if f.ended || f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, ev)
	if ev.Final() {
		f.ended = true
	}
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Next returns the next event. It returns io.EOF after the terminal event
// has been consumed and ErrFeedClosed once the consumer closed the feed.
func (f *Feed) Next(ctx context.Context) (Event, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return Event{}, ErrFeedClosed
		}
		if len(f.queue) > 0 {
			ev := f.queue[0]
			f.queue[0] = Event{}
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return ev, nil
		}
		if f.ended {
			f.mu.Unlock()
			return Event{}, io.EOF
		}
		f.mu.Unlock()

		select {
		case <-f.signal:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close detaches the consumer. The task is unaffected.
func (f *Feed) Close() {
	if f.detach() && f.unsubscribe != nil {
		f.unsubscribe(f)
	}
}

// detach stops the feed without touching the manager. It reports whether
// this call closed it.
func (f *Feed) detach() bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.closed = true
	f.queue = nil
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
	return true
}

// Collect drains the feed until it ends. Useful for tests and for callers
// that only want the full history.
func (f *Feed) Collect(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		ev, err := f.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
