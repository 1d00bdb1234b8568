package kcore

// headerSize is the fixed prefix every message record starts with: the
// 8-byte offset and the 4-byte size that counts the bytes following it.
// A buffer with fewer remaining bytes than this cannot hold another whole
// record and is exhausted.
const headerSize = 12

// QueueBuffer is the fixed-size byte array a PartitionQueue recycles
// forever: allocated once at construction, filled by a fetch response,
// drained message-by-message by a consumer, then reset and handed back
// to the free list.
type QueueBuffer struct {
	storage        []byte
	cursor         int
	messageSetSize int
}

// newQueueBuffer allocates a QueueBuffer of the given capacity. Capacity
// is fixed for the buffer's lifetime; it is never grown or shrunk.
func newQueueBuffer(size int) *QueueBuffer {
	return &QueueBuffer{storage: make([]byte, size)}
}

// reset prepares the buffer to receive a fresh message set of n bytes
// starting at offset 0, discarding whatever the previous consumer left.
func (b *QueueBuffer) reset(n int) {
	b.cursor = 0
	b.messageSetSize = n
}

// fill copies a fetched message set into storage and resets the cursor.
// The caller is responsible for ensuring len(data) <= cap(b.storage).
func (b *QueueBuffer) fill(data []byte) {
	n := copy(b.storage, data)
	b.reset(n)
}

// exhausted reports whether fewer than headerSize bytes remain, meaning
// no further whole record can be parsed from this buffer.
func (b *QueueBuffer) exhausted() bool {
	return b.messageSetSize-b.cursor < headerSize
}

// remaining returns the unparsed tail of the current message set.
func (b *QueueBuffer) remaining() []byte {
	return b.storage[b.cursor:b.messageSetSize]
}

// advance moves the cursor forward by n bytes, consumed by the caller
// after it has parsed one record from remaining().
func (b *QueueBuffer) advance(n int) {
	b.cursor += n
}

// capacity reports the fixed size the buffer was constructed with.
func (b *QueueBuffer) capacity() int {
	return len(b.storage)
}

// BufferPool is a fixed set of preallocated buffers. It is deliberately
// not a sync.Pool: the same fixed set of buffers must cycle between
// exactly two states (free, filled) with FIFO fill order preserved, which
// sync.Pool does not guarantee. PartitionQueue does not use it; each
// queue allocates its own buffers in newPartitionQueue.
type BufferPool struct {
	buffers []*QueueBuffer
}

// newBufferPool allocates `count` buffers of `bufSize` bytes each, all
// initially free.
func newBufferPool(count, bufSize int) *BufferPool {
	p := &BufferPool{buffers: make([]*QueueBuffer, count)}
	for i := range p.buffers {
		p.buffers[i] = newQueueBuffer(bufSize)
	}
	return p
}
