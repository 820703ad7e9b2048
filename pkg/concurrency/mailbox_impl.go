package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
)

// boundedMailbox implements Mailbox using a buffered channel internally;
// pkg/mailbox.inProcessBackend creates one of these per registered entity.
type boundedMailbox struct {
	ch       chan interface{}
	mu       sync.RWMutex
	closed   int32 // Atomic flag
	capacity int
}

// NewBoundedMailbox creates a new bounded mailbox with the given queue
// capacity (the spec's optional per-mailbox size bound).
func NewBoundedMailbox(capacity int) Mailbox {
	if capacity < 1 {
		capacity = 100 // Default capacity
	}

	return &boundedMailbox{
		ch:       make(chan interface{}, capacity),
		capacity: capacity,
	}
}

// Send implements Mailbox interface.
func (mb *boundedMailbox) Send(msg interface{}) error {
	if atomic.LoadInt32(&mb.closed) == 1 {
		return ErrMailboxClosed
	}

	// Try to send (non-blocking for backpressure)
	select {
	case mb.ch <- msg:
		return nil
	default:
		// Mailbox full - backpressure
		return ErrMailboxFull
	}
}

// Receive implements Mailbox interface.
func (mb *boundedMailbox) Receive(ctx context.Context) (interface{}, error) {
	if atomic.LoadInt32(&mb.closed) == 1 {
		return nil, ErrMailboxClosed
	}

	// Receive with context cancellation
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive implements Mailbox interface.
func (mb *boundedMailbox) TryReceive() (interface{}, bool, error) {
	if atomic.LoadInt32(&mb.closed) == 1 {
		return nil, false, ErrMailboxClosed
	}

	// Try to receive (non-blocking)
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, false, ErrMailboxClosed
		}
		return msg, true, nil
	default:
		// Mailbox empty
		return nil, false, nil
	}
}

// Close implements Mailbox interface.
func (mb *boundedMailbox) Close() {
	if atomic.CompareAndSwapInt32(&mb.closed, 0, 1) {
		close(mb.ch)
	}
}

// Capacity implements Mailbox interface
func (mb *boundedMailbox) Capacity() int {
	return mb.capacity
}

// Size implements Mailbox interface
func (mb *boundedMailbox) Size() int {
	return len(mb.ch) // Hidden: channel length
}

// IsClosed implements Mailbox interface
func (mb *boundedMailbox) IsClosed() bool {
	return atomic.LoadInt32(&mb.closed) == 1
}
