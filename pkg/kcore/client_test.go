package kcore

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/partitionlabs/kcore/pkg/kwire"
)

// mockBroker is a minimal single-host Kafka-shaped TCP server used to
// exercise the client end to end without a real cluster. Every accepted
// connection is handled by the same handler: the client opens a
// short-lived connection for each metadata probe (one at construction,
// one per leader resolution) and a persistent one once it learns this
// process is the partition's leader.
type mockBroker struct {
	ln   net.Listener
	host string
	port int32
}

func startMockBroker(t *testing.T, handle func(conn net.Conn)) *mockBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	mb := &mockBroker{ln: ln, host: host, port: int32(port)}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return mb
}

func (mb *mockBroker) addr() string { return net.JoinHostPort(mb.host, strconv.Itoa(int(mb.port))) }

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		t.Fatalf("read size: %v", err)
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return buf
}

func writeResponse(t *testing.T, conn net.Conn, correlationID int32, resp kwire.Response) {
	t.Helper()
	body := appendInt32Test(nil, correlationID)
	body = appendResponseBody(body, resp)
	framed := kwire.AppendFrame(nil, body)
	if _, err := conn.Write(framed); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// appendResponseBody re-encodes a handful of concrete response types for
// test fixtures; production code never needs to serialize a Response
// (only the mock broker side of a test does).
func appendResponseBody(dst []byte, resp kwire.Response) []byte {
	switch r := resp.(type) {
	case *kwire.MetadataResponse:
		dst = appendArrayLenTest(dst, len(r.Brokers))
		for _, b := range r.Brokers {
			dst = appendInt32Test(dst, b.NodeID)
			dst = appendStringTest(dst, b.Host)
			dst = appendInt32Test(dst, b.Port)
		}
		dst = appendArrayLenTest(dst, len(r.Topics))
		for _, topic := range r.Topics {
			dst = appendInt16Test(dst, topic.ErrorCode)
			dst = appendStringTest(dst, topic.Topic)
			dst = appendArrayLenTest(dst, len(topic.Partitions))
			for _, p := range topic.Partitions {
				dst = appendInt16Test(dst, p.ErrorCode)
				dst = appendInt32Test(dst, p.Partition)
				dst = appendInt32Test(dst, p.Leader)
				dst = appendArrayLenTest(dst, len(p.Replicas))
				for _, r := range p.Replicas {
					dst = appendInt32Test(dst, r)
				}
				dst = appendArrayLenTest(dst, len(p.Isr))
				for _, r := range p.Isr {
					dst = appendInt32Test(dst, r)
				}
			}
		}
		return dst
	case *kwire.FetchResponse:
		dst = appendArrayLenTest(dst, len(r.Topics))
		for _, topic := range r.Topics {
			dst = appendStringTest(dst, topic.Topic)
			dst = appendArrayLenTest(dst, len(topic.Partitions))
			for _, p := range topic.Partitions {
				dst = appendInt32Test(dst, p.Partition)
				dst = appendInt16Test(dst, p.ErrorCode)
				dst = appendInt64Test(dst, p.EndOffset)
				dst = appendInt32Test(dst, int32(len(p.MessageSet)))
				dst = append(dst, p.MessageSet...)
			}
		}
		return dst
	case *kwire.OffsetResponse:
		dst = appendArrayLenTest(dst, len(r.Topics))
		for _, topic := range r.Topics {
			dst = appendStringTest(dst, topic.Topic)
			dst = appendArrayLenTest(dst, len(topic.Partitions))
			for _, p := range topic.Partitions {
				dst = appendInt32Test(dst, p.Partition)
				dst = appendInt16Test(dst, p.ErrorCode)
				dst = appendArrayLenTest(dst, len(p.Offsets))
				for _, o := range p.Offsets {
					dst = appendInt64Test(dst, o)
				}
			}
		}
		return dst
	default:
		panic("appendResponseBody: unsupported type in test helper")
	}
}

func appendInt16Test(dst []byte, v int16) []byte { return append(dst, byte(v>>8), byte(v)) }
func appendInt32Test(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}
func appendInt64Test(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}
func appendStringTest(dst []byte, s string) []byte {
	dst = appendInt16Test(dst, int16(len(s)))
	return append(dst, s...)
}
func appendArrayLenTest(dst []byte, n int) []byte { return appendInt32Test(dst, int32(n)) }

// requestHeader is the minimal decode of {api_key, api_version,
// correlation_id, client_id} the mock broker needs to find a request's
// correlation id and body.
type requestHeader struct {
	apiKey        int16
	correlationID int32
	body          []byte
}

func parseRequestHeader(t *testing.T, framed []byte) requestHeader {
	t.Helper()
	if len(framed) < 10 {
		t.Fatalf("frame too short for a request header: %d bytes", len(framed))
	}
	apiKey := int16(binary.BigEndian.Uint16(framed[0:2]))
	correlationID := int32(binary.BigEndian.Uint32(framed[4:8]))
	clientIDLen := int(binary.BigEndian.Uint16(framed[8:10]))
	start := 10 + clientIDLen
	if start > len(framed) {
		t.Fatalf("client id length overruns frame")
	}
	return requestHeader{apiKey: apiKey, correlationID: correlationID, body: framed[start:]}
}

// TestSingleConsumerHappyPath covers the single-consumer happy path: one
// broker, one partition, three messages served in a single fetch
// response, read back in order via NextMessage.
func TestSingleConsumerHappyPath(t *testing.T) {
	offsets := []int64{17, 18, 19}
	var messageSet []byte
	for _, off := range offsets {
		messageSet = appendRecord(messageSet, off, 0, []byte("k"), []byte("v"))
	}

	var mb *mockBroker
	mb = startMockBroker(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			framed := readFrame(t, conn)
			hdr := parseRequestHeader(t, framed)

			switch kwire.ApiKey(hdr.apiKey) {
			case kwire.ApiMetadata:
				writeResponse(t, conn, hdr.correlationID, metadataResponseFor(mb))
				return
			case kwire.ApiOffset:
				// The OffsetTimeEarliest sentinel resolves to the first
				// served offset; the fetch follows on the same connection.
				writeResponse(t, conn, hdr.correlationID, &kwire.OffsetResponse{
					Topics: []kwire.OffsetResponseTopic{{
						Topic:      "orders",
						Partitions: []kwire.OffsetResponsePartition{{Partition: 0, Offsets: []int64{offsets[0]}}},
					}},
				})
			case kwire.ApiFetch:
				writeResponse(t, conn, hdr.correlationID, &kwire.FetchResponse{
					Topics: []kwire.FetchResponseTopic{{
						Topic: "orders",
						Partitions: []kwire.FetchResponsePartition{{
							Partition:      0,
							EndOffset:      20,
							MessageSetSize: int32(len(messageSet)),
							MessageSet:     messageSet,
						}},
					}},
				})
				io.Copy(io.Discard, conn) // keep the persistent connection open
				return
			default:
				return
			}
		}
	})

	client, err := NewClient([]string{mb.addr()}, WithConsumerQueueBuffers(2))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	cons := client.Consumer("orders", 0, kwire.OffsetTimeEarliest)
	defer cons.Close()

	type result struct {
		msg Message
		err error
	}
	for _, want := range offsets {
		ch := make(chan result, 1)
		go func() {
			msg, err := cons.NextMessage()
			ch <- result{msg, err}
		}()

		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("NextMessage: %v", r.err)
			}
			if r.msg.Offset != want {
				t.Fatalf("offset = %d, want %d", r.msg.Offset, want)
			}
			if string(r.msg.Key) != "k" || string(r.msg.Value) != "v" {
				t.Fatalf("key/value = %q/%q", r.msg.Key, r.msg.Value)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for message at offset %d", want)
		}
	}
}

// TestOnPartitionOrphanedRequeuesWorker covers the single-partition
// leader-migration path: a worker detached from a bundler by a
// not-leader-for-partition error must come back onto brokerless so
// connectionManagerLoop re-resolves its new leader, rather than being
// left to hang forever.
func TestOnPartitionOrphanedRequeuesWorker(t *testing.T) {
	c := &Client{meta: newMetadataCache(), conns: map[int32]*BrokerConnection{}}
	c.cv = sync.NewCond(&c.mu)

	cons := newConsumer(c, "orders", 0, kwire.OffsetTimeEarliest, 2, 16)

	c.mu.Lock()
	c.brokerless = nil // simulate it having already been popped and attached
	c.mu.Unlock()

	c.onPartitionOrphaned(cons.queue)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.brokerless) != 1 || c.brokerless[0].queue() != cons.queue {
		t.Fatalf("expected orphaned worker's queue back on brokerless, got %+v", c.brokerless)
	}
}

func metadataResponseFor(mb *mockBroker) *kwire.MetadataResponse {
	host := mb.host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &kwire.MetadataResponse{
		Brokers: []kwire.MetadataResponseBroker{{NodeID: 0, Host: host, Port: mb.port}},
		Topics: []kwire.MetadataResponseTopic{{
			Topic: "orders",
			Partitions: []kwire.MetadataResponsePartition{
				{Partition: 0, Leader: 0},
			},
		}},
	}
}

