package kcore

// Consumer is the user-facing handle: it owns a PartitionQueue and a
// parse cursor into whichever buffer it most recently pulled from the
// queue, translating QueueBuffer bytes into Message values one record
// at a time.
type Consumer struct {
	client    *Client
	topic     string
	partition int32

	queue *PartitionQueue

	current    *QueueBuffer
	decompressed []byte // set while draining a decompressed message set
	decompPos    int
}

// newConsumer is called by Client.Consumer; offset uses the -1/-2
// sentinels until the connection manager resolves them against a
// broker.
func newConsumer(client *Client, topic string, partition int32, offset int64, nbufs int, bufSize int) *Consumer {
	q := newPartitionQueue(topic, partition, nbufs, bufSize)
	q.nextOffsetToFetch = offset
	c := &Consumer{client: client, topic: topic, partition: partition, queue: q}
	client.registerWorker(&worker{kind: workerConsumer, consumer: c})
	return c
}

// NextMessage blocks until the next message is available: it parses one
// record from the current buffer, pulling a fresh filled buffer from
// the queue when the current one is exhausted.
func (c *Consumer) NextMessage() (Message, error) {
	for {
		if c.decompressed != nil {
			if msg, ok, err := c.nextFromDecompressed(); err != nil {
				return Message{}, err
			} else if ok {
				return msg, nil
			}
			c.decompressed = nil
		}

		if c.current == nil || c.current.exhausted() {
			buf, err := c.queue.waitFilled()
			if err != nil {
				return Message{}, err
			}
			c.current = buf
		}

		rec, err := parseRecord(c.current.remaining())
		if err != nil {
			return Message{}, err
		}
		if rec == nil {
			// Partial tail: treat remaining bytes as consumed so the next
			// waitFilled call retires this buffer.
			c.current.advance(len(c.current.remaining()))
			continue
		}

		if !rec.crcOK() {
			return Message{}, &CrcError{
				Topic: c.topic, Partition: c.partition, Offset: rec.offset,
				Want: rec.wantCRC, Got: rec.gotCRC,
			}
		}

		c.current.advance(rec.n)

		if CompressionCodec(rec.attr&compressionAttrMask) == CompressionDefault {
			return Message{Offset: rec.offset, Key: rec.key, Value: rec.value}, nil
		}

		out, err := decompress(rec.attr, rec.value)
		if err != nil {
			return Message{}, err
		}
		c.decompressed = out
		c.decompPos = 0
	}
}

// nextFromDecompressed drains one record from an unwrapped compressed
// message set before returning to the outer (wire-level) buffer.
func (c *Consumer) nextFromDecompressed() (Message, bool, error) {
	rec, err := parseRecord(c.decompressed[c.decompPos:])
	if err != nil {
		return Message{}, false, err
	}
	if rec == nil {
		return Message{}, false, nil
	}
	if !rec.crcOK() {
		return Message{}, false, &CrcError{
			Topic: c.topic, Partition: c.partition, Offset: rec.offset,
			Want: rec.wantCRC, Got: rec.gotCRC,
		}
	}
	c.decompPos += rec.n
	return Message{Offset: rec.offset, Key: rec.key, Value: rec.value}, true, nil
}

// Lag reports how many messages remain unfetched against the broker's
// last observed high watermark for this partition. Messages already
// fetched into the queue's buffers but not yet read are not counted.
func (c *Consumer) Lag() int64 {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()
	lag := c.queue.highWatermark - c.queue.nextOffsetToFetch
	if lag < 0 {
		return 0
	}
	return lag
}

// Close detaches the consumer's queue from any bundler it's attached to.
func (c *Consumer) Close() {
	c.client.unregisterWorker(c.queue)
}
