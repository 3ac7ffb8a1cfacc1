// Package runlog provides the durable per-run log trail and a process-wide
// broadcaster that fans entries out to live subscribers (the serve API's
// streaming endpoint). The broadcaster buffers recent entries per run so a
// client that connects late, or reconnects, catches up before switching to
// live delivery.
package runlog

import (
	"sync"
	"time"

	"github.com/openspend/spend-cli/internal/model"
)

const (
	defaultBufferSize = 500
	defaultRetention  = 5 * time.Minute
)

// Broadcaster fans run log entries out to subscribers. Safe for concurrent
// use; the worker publishes while any number of API clients subscribe.
type Broadcaster struct {
	mu         sync.Mutex
	runs       map[string]*runBuffer
	bufferSize int
	retention  time.Duration
	now        func() time.Time
}

type runBuffer struct {
	entries      []model.RunLog // ring of the last bufferSize entries
	subs         map[int]chan model.RunLog
	nextSubID    int
	lastActivity time.Time
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBufferSize overrides the per-run replay buffer length.
func WithBufferSize(n int) BroadcasterOption {
	return func(b *Broadcaster) { b.bufferSize = n }
}

// WithRetention overrides how long an idle run's buffer is kept.
func WithRetention(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) { b.retention = d }
}

// NewBroadcaster returns a Broadcaster with default buffer (500 entries) and
// retention (5 minutes).
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		runs:       make(map[string]*runBuffer),
		bufferSize: defaultBufferSize,
		retention:  defaultRetention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish buffers an entry and delivers it to the run's live subscribers.
// Slow subscribers drop entries rather than block the publisher; the durable
// store remains the source of truth.
func (b *Broadcaster) Publish(entry model.RunLog) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rb := b.buffer(entry.RunID)
	rb.lastActivity = b.now()

	rb.entries = append(rb.entries, entry)
	if len(rb.entries) > b.bufferSize {
		rb.entries = rb.entries[len(rb.entries)-b.bufferSize:]
	}

	for _, ch := range rb.subs {
		select {
		case ch <- entry:
		default:
		}
	}

	b.evictIdleLocked()
}

// Subscribe registers a listener for one run. Buffered entries are replayed
// onto the channel before live delivery begins. The returned cancel func must
// be called to release the subscription.
func (b *Broadcaster) Subscribe(runID string) (<-chan model.RunLog, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rb := b.buffer(runID)
	rb.lastActivity = b.now()

	ch := make(chan model.RunLog, b.bufferSize+64)
	for _, e := range rb.entries {
		ch <- e
	}

	id := rb.nextSubID
	rb.nextSubID++
	rb.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if rb, ok := b.runs[runID]; ok {
			if ch, ok := rb.subs[id]; ok {
				delete(rb.subs, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// buffer returns (creating if needed) the run's buffer. Caller holds mu.
func (b *Broadcaster) buffer(runID string) *runBuffer {
	rb, ok := b.runs[runID]
	if !ok {
		rb = &runBuffer{subs: make(map[int]chan model.RunLog)}
		b.runs[runID] = rb
	}
	return rb
}

// evictIdleLocked drops buffers for runs with no subscribers and no activity
// within the retention window. Caller holds mu.
func (b *Broadcaster) evictIdleLocked() {
	cutoff := b.now().Add(-b.retention)
	for id, rb := range b.runs {
		if len(rb.subs) == 0 && rb.lastActivity.Before(cutoff) {
			delete(b.runs, id)
		}
	}
}
