// Package ingress implements the two record queues: a blocking pending-send
// FIFO that the producer pushes to and the stream driver drains, and a
// pending-ack deque that the driver appends to and the ACK handler trims
// from the head as acknowledgements arrive.
//
// The split exists so the driver goroutine (popping pending-send, pushing
// pending-ack) and the ACK callback goroutine (trimming pending-ack) never
// block on each other: the only shared state between them is the pending-ack
// deque, guarded by its own mutex.
package ingress

import (
	"container/list"
	"context"
	"sync"

	"github.com/bes-go/bes-transport/record"
)

// PendingSend is the blocking FIFO a producer pushes records into and a
// single consumer (the stream driver) pops from. Closing it signals the
// driver that no more records will arrive after those already queued.
type PendingSend struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List
	closed bool
}

// NewPendingSend constructs an empty queue.
func NewPendingSend() *PendingSend {
	q := &PendingSend{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends r to the tail. Push after Close panics: the producer's
// contract is that SendEvent never races its own Close.
func (q *PendingSend) Push(r *record.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		panic("ingress: Push after Close")
	}
	q.items.PushBack(r)
	q.cond.Signal()
}

// PushFront re-enqueues r at the head, ahead of anything already queued.
// Replaying a whole pending-ack batch on a stream restart goes through
// PrependAll instead.
func (q *PendingSend) PushFront(r *record.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushFront(r)
	q.cond.Signal()
}

// PrependAll re-enqueues records at the head, preserving their relative
// order, so they are the next ones popped. Used to replay a drained
// pending-ack batch ahead of anything pushed since the interruption.
func (q *PendingSend) PrependAll(records []*record.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(records) - 1; i >= 0; i-- {
		q.items.PushFront(records[i])
	}
	if len(records) > 0 {
		q.cond.Signal()
	}
}

// Close marks the queue closed; pending Pop calls return after draining
// whatever was already queued.
func (q *PendingSend) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Pop blocks until a record is available, the queue is closed and drained,
// or ctx is done. ok is false when the queue is closed and empty, or when
// ctx is done before a record is available.
func (q *PendingSend) Pop(ctx context.Context) (r *record.Record, ok bool) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if el := q.items.Front(); el != nil {
			q.items.Remove(el)
			return el.Value.(*record.Record), true
		}
		if q.closed {
			return nil, false
		}
		select {
		case <-done:
			return nil, false
		default:
		}
		q.cond.Wait()
	}
}

// PendingAck is the ordered set of records sent but not yet acknowledged.
// The driver appends as it sends; the ACK handler trims confirmed records
// from the head, in strict sequence order.
type PendingAck struct {
	mu    sync.Mutex
	items *list.List
}

// NewPendingAck constructs an empty pending-ack deque.
func NewPendingAck() *PendingAck {
	return &PendingAck{items: list.New()}
}

// Append records r as sent-but-unacknowledged.
func (p *PendingAck) Append(r *record.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items.PushBack(r)
}

// AckHead confirms the record at the head of the deque. It returns an error
// if the deque is empty or the head's sequence number doesn't match seqNo,
// so the caller (the stream driver) can abort the stream on a protocol
// violation.
func (p *PendingAck) AckHead(seqNo int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	el := p.items.Front()
	if el == nil {
		return &OutOfOrderError{Got: seqNo, Want: -1, Empty: true}
	}
	head := el.Value.(*record.Record)
	if head.SequenceNumber() != seqNo {
		return &OutOfOrderError{Got: seqNo, Want: head.SequenceNumber()}
	}
	p.items.Remove(el)
	return nil
}

// Drain removes and returns every still-unacknowledged record, head first,
// leaving the deque empty. Used when a stream attempt ends (successfully or
// not) and the driver must decide what to replay on the next attempt.
func (p *PendingAck) Drain() []*record.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*record.Record, 0, p.items.Len())
	for el := p.items.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*record.Record))
	}
	p.items.Init()
	return out
}

// Len reports the number of unacknowledged records.
func (p *PendingAck) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items.Len()
}

// OutOfOrderError is returned by AckHead when an ACK arrives for a sequence
// number other than the current head's.
type OutOfOrderError struct {
	Got, Want int64
	Empty     bool
}

func (e *OutOfOrderError) Error() string {
	if e.Empty {
		return "ingress: ack received with no pending-ack records outstanding"
	}
	return "ingress: out-of-order ack"
}
