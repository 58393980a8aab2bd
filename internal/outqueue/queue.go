// ABOUTME: FIFO send queue with a rolling-window rate limit and retry.
// ABOUTME: One queue per agent room; failed sends re-enqueue at the front.

package outqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults applied by New when an Options field is zero.
const (
	DefaultRatePerWindow   = 5
	DefaultMaxMessageBytes = 4000
	DefaultRetryBackoff    = 500 * time.Millisecond
)

// Sender delivers one message to the operator's room.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Options configures a Queue.
type Options struct {
	RatePerWindow   int // messages allowed per rolling one-second window
	MaxMessageBytes int // split threshold for oversized messages
	RetryBackoff    time.Duration
	Logger          *slog.Logger
}

// Queue buffers outbound messages for one agent and drains them in order.
type Queue struct {
	sender   Sender
	rate     int
	maxBytes int
	backoff  time.Duration
	window   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	items  []string
	closed bool

	wake chan struct{}
	done chan struct{}

	sent []time.Time
	now  func() time.Time
}

// New creates a queue and starts its drain loop.
func New(sender Sender, opts Options) *Queue {
	if opts.RatePerWindow <= 0 {
		opts.RatePerWindow = DefaultRatePerWindow
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		sender:   sender,
		rate:     opts.RatePerWindow,
		maxBytes: opts.MaxMessageBytes,
		backoff:  opts.RetryBackoff,
		window:   time.Second,
		logger:   logger.With("component", "outqueue"),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go q.run()
	return q
}

// Enqueue splits text as needed and appends the chunks in order. Messages
// enqueued after Close are dropped.
func (q *Queue) Enqueue(text string) {
	chunks := Split(text, q.maxBytes)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("dropping message enqueued after close")
		return
	}
	q.items = append(q.items, chunks...)
	q.mu.Unlock()

	q.signal()
}

// Len reports how many chunks are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drains whatever is queued, then stops the drain loop. Sends that
// fail during the drain are dropped rather than retried forever.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		item, ok, closed := q.pop()
		if !ok {
			if closed {
				return
			}
			<-q.wake
			continue
		}

		q.waitForWindow()

		if err := q.sender.Send(context.Background(), item); err != nil {
			if closed {
				q.logger.Warn("dropping message during close", "error", err)
				continue
			}
			q.logger.Warn("send failed, re-enqueueing", "error", err)
			q.pushFront(item)
			time.Sleep(q.backoff)
			continue
		}
		q.recordSend()
	}
}

// pop removes the head chunk. ok is false when the queue is empty; closed
// reports the shutdown flag so the loop can distinguish idle from done.
func (q *Queue) pop() (item string, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false, q.closed
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true, q.closed
}

func (q *Queue) pushFront(item string) {
	q.mu.Lock()
	q.items = append([]string{item}, q.items...)
	q.mu.Unlock()
}

// waitForWindow blocks until sending now would keep the rolling window under
// the configured rate.
func (q *Queue) waitForWindow() {
	for {
		now := q.now()
		cutoff := now.Add(-q.window)
		keep := q.sent[:0]
		for _, t := range q.sent {
			if t.After(cutoff) {
				keep = append(keep, t)
			}
		}
		q.sent = keep

		if len(q.sent) < q.rate {
			return
		}
		time.Sleep(q.sent[0].Sub(cutoff))
	}
}

func (q *Queue) recordSend() {
	q.sent = append(q.sent, q.now())
}
