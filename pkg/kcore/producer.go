package kcore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/hashicorp/go-uuid"
)

// Producer is the symmetric counterpart to Consumer: it owns a queue,
// drops fully-formed message sets into free buffers, and signals the
// producer-side bundler.
type Producer struct {
	client    *Client
	topic     string
	partition int32
	queue     *PartitionQueue
	codec     CompressionCodec

	nextOffsetHint int64 // monotonically fake offset used only for producer-assigned record offsets before broker ack
}

func newProducer(client *Client, topic string, partition int32, codec CompressionCodec, nbufs, bufSize int) *Producer {
	q := newPartitionQueue(topic, partition, nbufs, bufSize)
	p := &Producer{client: client, topic: topic, partition: partition, queue: q, codec: codec}
	client.registerWorker(&worker{kind: workerProducer, producer: p})
	return p
}

// Produce frames key/value as a single message-set record and, if a codec
// is configured, wraps it in one record whose value is that compressed
// message set. It then blocks until a free buffer is available to hold
// it, releasing it filled for the pusher task to pick up.
func (p *Producer) Produce(key, value []byte) error {
	rec := appendRecord(nil, p.nextOffsetHint, 0, key, value)
	if p.codec != CompressionDefault {
		compressed, err := compress(p.codec, rec)
		if err != nil {
			return err
		}
		attr := int8(p.codec) & compressionAttrMask
		rec = appendRecord(nil, p.nextOffsetHint, attr, nil, compressed)
	}
	p.nextOffsetHint++

	buf, err := p.queue.acquireFreeForProduce()
	if err != nil {
		return err
	}
	if len(rec) > buf.capacity() {
		return &ProtocolError{Reason: "produced record exceeds consumerMaxBytes"}
	}
	buf.fill(rec)
	p.queue.releaseFilledForProduce(buf)
	return nil
}

// Close detaches the producer's queue from any bundler it's attached to.
func (p *Producer) Close() {
	p.client.unregisterWorker(p.queue)
}

// appendRecord frames one record in the standard message layout:
// { offset, size, crc, magic, attr, keyLen, key, valueLen, value }.
func appendRecord(dst []byte, offset int64, attr int8, key, value []byte) []byte {
	keyLen := int32(-1)
	if key != nil {
		keyLen = int32(len(key))
	}
	valueLen := int32(-1)
	if value != nil {
		valueLen = int32(len(value))
	}

	body := make([]byte, 0, 6+4+len(key)+4+len(value))
	body = appendCrcBody(body, attr, keyLen, key, valueLen, value)

	crc := crc32.ChecksumIEEE(body)

	size := int32(4 + len(body)) // crc(4) + body(magic+attr+keyLen+key+valueLen+value)

	out := dst
	out = appendInt64(out, offset)
	out = appendInt32(out, size)
	out = appendInt32(out, int32(crc))
	out = append(out, body...)
	return out
}

// appendCrcBody builds the portion of a record covered by its CRC:
// magic, attr, keyLen, key, valueLen, value.
func appendCrcBody(dst []byte, attr int8, keyLen int32, key []byte, valueLen int32, value []byte) []byte {
	dst = append(dst, magicByte, byte(attr))
	dst = appendInt32(dst, keyLen)
	if key != nil {
		dst = append(dst, key...)
	}
	dst = appendInt32(dst, valueLen)
	if value != nil {
		dst = append(dst, value...)
	}
	return dst
}

func appendInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

func appendInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

// newInstanceID is used by Client to tag its log lines with a stable
// per-process identifier.
func newInstanceID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "unknown"
	}
	return id
}
