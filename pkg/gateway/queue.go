package gateway

import (
	"errors"
	"sync"
	"sync/atomic"

	"chatrelay/pkg/models"

	"github.com/valyala/bytebufferpool"
)

// Op is a lightweight in-memory representation of a client event destined
// for the relay pipeline. Payload may be backed by a pooled ByteBuffer;
// consumers must call Item.Done() when finished.
type Op struct {
	// Event is the client event name from the envelope.
	Event string
	// Origin is the session that submitted the event. Error and rate
	// limit notices go back through it.
	Origin *Session
	// From is the authenticated identity of the submitter.
	From models.Identity
	// Payload holds the raw event data bytes (may be nil for events
	// without a payload).
	Payload []byte
	// TS is the server receive timestamp (milliseconds).
	TS int64
	// EnqSeq is a monotonic enqueue sequence assigned when the op is
	// accepted into the queue. It fixes the relay order.
	EnqSeq uint64
}

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("relay queue full")

// Item wraps an Op and owns a pooled ByteBuffer if one was used. Consumers
// MUST call Done() after processing the item to return pooled resources;
// extra calls are no-ops.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases internal pooled resources (buffer + op) back to the pool.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			// avoid retaining huge buffers in the pool
			if cap(it.buf.B) > int(atomic.LoadInt64(&maxPooledBuffer)) {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		// clear pointers to avoid retention
		if it.Op != nil {
			it.Op.Payload = nil
			it.Op.Origin = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
	})
}

// Queue is the bounded in-memory queue between session read pumps and the
// single relay worker. It is safe for concurrent producers.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64

	// mu orders producers against CloseAndDrain: read pumps on hijacked
	// connections can outlive the HTTP server's shutdown, so a late
	// TryEnqueue must see closed instead of sending on a closed channel.
	mu     sync.RWMutex
	closed bool
}

var opPool = sync.Pool{New: func() any { return &Op{} }}

var enqSeq uint64

// maxPooledBuffer controls the largest buffer size that will be returned
// to the pooled ByteBuffer. Buffers larger than this are dropped to avoid
// unbounded resident memory.
var maxPooledBuffer int64 = 64 * 1024

// SetMaxPooledBuffer overrides the pooled buffer ceiling.
func SetMaxPooledBuffer(n int64) {
	if n > 0 {
		atomic.StoreInt64(&maxPooledBuffer, n)
	}
}

// NewQueue creates a new bounded Queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns a read-only channel that consumers can range over to receive
// queued items. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

// TryEnqueue attempts to enqueue an Op by copying its payload into a pooled
// buffer. If the queue is full ErrQueueFull is returned and the caller may
// notify the submitter.
func (q *Queue) TryEnqueue(op *Op) error {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}

	it := &Item{Op: newOp, buf: bb}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
	select {
	case q.ch <- it:
		q.mu.RUnlock()
		return nil
	default:
		q.mu.RUnlock()
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// CloseAndDrain closes the queue channel and drains remaining items,
// ensuring their resources are released. Further TryEnqueue calls get
// ErrQueueFull. Safe to call more than once.
func (q *Queue) CloseAndDrain() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	for it := range q.ch {
		it.Done()
	}
}

// RunWorker runs a worker loop that invokes handler for each dequeued Op.
// It guarantees Item.Done() is called even if handler returns an error.
// The worker exits when stop is closed or when the queue is closed.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Op) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Op)
			}(it)
		case <-stop:
			return
		}
	}
}

// Len returns the current number of items in the queue.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity of the queue.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of events rejected due to a full queue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
