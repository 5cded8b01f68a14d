package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOutletClosed is returned by Next once an outlet has been terminated and
// its remaining queue drained.
var ErrOutletClosed = errors.New("outlet closed")

// Kind identifies the media kind an outlet carries
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Outlet is a per-consumer buffered pull channel for one media kind.
//
// The producer side pushes buffers asynchronously; the consumer side pulls
// them one at a time with Next. While the consumer is blocked in Next and the
// queue is empty the outlet is in immediate-push mode: the next pushed buffer
// bypasses the queue and is handed over directly. A slow consumer only grows
// its own queue and never blocks the producer.
//
// Next is meant to be called from a single consumer goroutine.
type Outlet struct {
	kind       Kind
	consumerID int

	mu     sync.Mutex
	queue  [][]byte
	waiter chan []byte // non-nil while the consumer is blocked in Next
	closed bool
	done   chan struct{}

	// Inactivity handling (video outlets only). The timer is reset on every
	// data request and every successful delivery; when it fires the outlet
	// reports itself via onIdle so the manager can detach the consumer.
	idleTimeout time.Duration
	idleTimer   *time.Timer
	onIdle      func()
}

// newOutlet creates an outlet. A non-zero idleTimeout with a non-nil onIdle
// arms the inactivity watchdog.
func newOutlet(kind Kind, consumerID int, idleTimeout time.Duration, onIdle func()) *Outlet {
	o := &Outlet{
		kind:        kind,
		consumerID:  consumerID,
		done:        make(chan struct{}),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
	if idleTimeout > 0 && onIdle != nil {
		o.idleTimer = time.AfterFunc(idleTimeout, o.idleExpired)
	}
	return o
}

// Kind returns the media kind this outlet carries
func (o *Outlet) Kind() Kind {
	return o.kind
}

// ConsumerID returns the identifier of the consumer this outlet belongs to
func (o *Outlet) ConsumerID() int {
	return o.consumerID
}

// seed preloads the queue with the key-frame cache snapshot taken at attach
// time. Must be called before the outlet is registered for fan-out.
func (o *Outlet) seed(bufs [][]byte) {
	o.mu.Lock()
	o.queue = append(o.queue, bufs...)
	o.mu.Unlock()
}

// Push appends a buffer for the consumer, or hands it over directly when the
// consumer is already waiting. Pushes to a closed outlet are silently dropped.
// Push never blocks.
func (o *Outlet) Push(buf []byte) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.waiter != nil {
		w := o.waiter
		o.waiter = nil
		o.resetIdleLocked()
		o.mu.Unlock()
		w <- buf // capacity 1, never blocks
		return
	}
	o.queue = append(o.queue, buf)
	o.mu.Unlock()
}

// Next returns the next buffer in order, blocking until one is available, the
// context is done, or the outlet is closed. A closed outlet drains its queue
// before reporting ErrOutletClosed.
func (o *Outlet) Next(ctx context.Context) ([]byte, error) {
	o.mu.Lock()
	o.resetIdleLocked() // a request for more data counts as activity
	if len(o.queue) > 0 {
		buf := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()
		return buf, nil
	}
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOutletClosed
	}
	w := make(chan []byte, 1)
	o.waiter = w
	o.mu.Unlock()

	select {
	case buf := <-w:
		return buf, nil
	case <-o.done:
		// The producer may have completed a handoff concurrently with the
		// close; prefer delivering that buffer.
		select {
		case buf := <-w:
			return buf, nil
		default:
		}
		return nil, ErrOutletClosed
	case <-ctx.Done():
		o.mu.Lock()
		if o.waiter == w {
			o.waiter = nil
		}
		o.mu.Unlock()
		select {
		case buf := <-w:
			return buf, nil
		default:
		}
		return nil, ctx.Err()
	}
}

// Close terminates the outlet: the inactivity timer is stopped, a blocked
// consumer is woken, and subsequent pushes are dropped. Idempotent.
func (o *Outlet) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.waiter = nil
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	close(o.done)
	o.mu.Unlock()
}

// Closed reports whether the outlet has been terminated
func (o *Outlet) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// QueueLen returns the number of buffers pending delivery
func (o *Outlet) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Outlet) resetIdleLocked() {
	if o.idleTimer != nil && !o.closed {
		o.idleTimer.Reset(o.idleTimeout)
	}
}

func (o *Outlet) idleExpired() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.onIdle()
}

// OutletPair bundles the video and audio outlets created for one consumer
type OutletPair struct {
	id         int
	attachedAt time.Time

	Video *Outlet
	Audio *Outlet
}

// ID returns the consumer identifier shared by both outlets
func (p *OutletPair) ID() int {
	return p.id
}

// AttachedAt returns when the pair was created
func (p *OutletPair) AttachedAt() time.Time {
	return p.attachedAt
}

func (p *OutletPair) close() {
	p.Video.Close()
	p.Audio.Close()
}
