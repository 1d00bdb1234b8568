package kcore

import "sync"

// bufferSide names which of a PartitionQueue's two lists a buffer sits
// in; used by RequestBundler.addQueue to decide whether a freshly
// attached queue starts out ready.
type bufferSide int8

const (
	sideFree bufferSide = iota
	sideFilled
)

// PartitionQueue is the two-list (free/filled) buffer ring for one
// partition. A queue is shared between its owning Consumer or Producer
// façade, at most one RequestBundler (via the bundler's topic/partition
// maps), and transiently the receiver task of a BrokerConnection while
// it decodes a response into a free buffer.
type PartitionQueue struct {
	mu sync.Mutex
	cv *sync.Cond

	free   []*QueueBuffer
	filled []*QueueBuffer
	last   *QueueBuffer

	nbufs int

	topic     string
	partition int32

	nextOffsetToFetch int64
	highWatermark     int64

	bundler        *RequestBundler
	requestPending bool

	err error
}

// newPartitionQueue allocates nbufs buffers of bufSize bytes, all
// starting in the free list, for the given (topic, partition).
func newPartitionQueue(topic string, partition int32, nbufs, bufSize int) *PartitionQueue {
	q := &PartitionQueue{
		topic:     topic,
		partition: partition,
		nbufs:     nbufs,
	}
	q.cv = sync.NewCond(&q.mu)
	for i := 0; i < nbufs; i++ {
		q.free = append(q.free, newQueueBuffer(bufSize))
	}
	return q
}

// hasBuffer reports whether the named side has at least one buffer.
// Caller must hold q.mu.
func (q *PartitionQueue) hasBuffer(side bufferSide) bool {
	if side == sideFree {
		return len(q.free) > 0
	}
	return len(q.filled) > 0
}

// acquireFree pops the front of the free list. Caller must hold q.mu and
// have already verified hasBuffer(sideFree).
func (q *PartitionQueue) acquireFree() *QueueBuffer {
	buf := q.free[0]
	q.free = q.free[1:]
	return buf
}

// releaseFilled pushes buf to the back of the filled list and wakes any
// consumer blocked in waitFilled. Caller must hold q.mu.
func (q *PartitionQueue) releaseFilled(buf *QueueBuffer) {
	q.filled = append(q.filled, buf)
	q.cv.Broadcast()
}

// waitFilled is the consumer-side blocking pop: it first retires q.last
// to the free list (signaling the bundler if the queue wasn't already
// mid-flight), then blocks until a filled buffer is available.
func (q *PartitionQueue) waitFilled() (*QueueBuffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.last != nil {
		q.free = append(q.free, q.last)
		q.last = nil
		if !q.requestPending && q.bundler != nil {
			q.bundler.queueHasReadyBuffers(q.topic, q.partition)
		}
	}

	// A failed queue still lets the consumer drain whatever was already
	// filled before the failure; only once filled is empty does the error
	// surface.
	for len(q.filled) == 0 && q.err == nil {
		q.cv.Wait()
	}
	if len(q.filled) == 0 {
		return nil, q.err
	}

	buf := q.filled[0]
	q.filled = q.filled[1:]
	q.last = buf
	return buf, nil
}

// acquireFreeForProduce and releaseFilledForProduce mirror the consumer
// path with free/filled swapped: a Producer drains free buffers to write
// into and releases them filled for the pusher to pick up.
func (q *PartitionQueue) acquireFreeForProduce() (*QueueBuffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.last != nil {
		q.filled = append(q.filled, q.last)
		q.last = nil
		if !q.requestPending && q.bundler != nil {
			q.bundler.queueHasReadyBuffers(q.topic, q.partition)
		}
	}

	for len(q.free) == 0 && q.err == nil {
		q.cv.Wait()
	}
	if q.err != nil {
		return nil, q.err
	}

	buf := q.free[0]
	q.free = q.free[1:]
	q.last = buf
	return buf, nil
}

func (q *PartitionQueue) releaseFilledForProduce(buf *QueueBuffer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.last == buf {
		q.last = nil
	}
	q.filled = append(q.filled, buf)
	q.cv.Broadcast()
	if !q.requestPending && q.bundler != nil {
		q.bundler.queueHasReadyBuffers(q.topic, q.partition)
	}
}

// abandonFree returns a just-acquired free buffer without filling it,
// used when a request must abort after acquireFree but before fill.
// Caller must hold q.mu.
func (q *PartitionQueue) abandonFree(buf *QueueBuffer) {
	q.free = append(q.free, buf)
}

// returnFree pushes an acknowledged produce buffer straight back to the
// free list without going through last; used by the receiver on a
// successful Produce ack.
func (q *PartitionQueue) returnFree(buf *QueueBuffer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.free = append(q.free, buf)
	q.cv.Broadcast()
	if !q.requestPending && q.bundler != nil && len(q.filled) > 0 {
		q.bundler.queueHasReadyBuffers(q.topic, q.partition)
	}
}

// throwException puts the queue into a failed state: pending and future
// waits return err, but already-filled buffers remain available to a
// consumer that's still draining them.
func (q *PartitionQueue) throwException(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.cv.Broadcast()
}

// detach clears the queue's bundler back-reference and pending flag;
// called by RequestBundler.removeQueue. On connection loss,
// RequestBundler.drainAll clears the same two fields itself.
func (q *PartitionQueue) detach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bundler = nil
	q.requestPending = false
}

// bufferCounts reports the current split across free/filled/last, used
// by tests to check the buffer-conservation invariant.
func (q *PartitionQueue) bufferCounts() (free, filled int, hasLast bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.free), len(q.filled), q.last != nil
}
