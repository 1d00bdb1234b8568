package kcore

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/partitionlabs/kcore/pkg/kwire"
)

// requestKind tags an in-flight entry so the receiver can dispatch a
// response by FIFO position rather than by decoding and matching a
// correlation id.
type requestKind int8

const (
	kindMetadata requestKind = iota
	kindFetch
	kindProduce
	kindOffset
)

// inFlightEntry is one node of the connection's FIFO in-flight log.
// replyTo is non-nil only for synchronous RPCs (metadata, offset)
// awaiting a direct answer.
type inFlightEntry struct {
	kind    requestKind
	replyTo chan inFlightReply
}

type inFlightReply struct {
	resp kwire.Response
	err  error
}

// BrokerConnection is the single TCP pipe to one broker: three
// cooperative tasks (fetcher, pusher, receiver) sharing one in-flight
// FIFO and one serialization mutex. The writeRequest/sendSync/receiveLoop
// split below follows the same shape as a promise-per-request RPC client, but
// the fetcher and pusher batch many partitions into one request via
// their bundler rather than issuing a request per caller.
type BrokerConnection struct {
	nodeID   int32
	addr     string
	clientID string
	logger   Logger

	conn   net.Conn
	bufr   *bufio.Reader
	nextID int32

	consumerMaxBytes    int32
	serializerChunkSize int32

	writeMu   sync.Mutex // "connection.mutex": serialize{write+append-in-flight}
	inFlight  []*inFlightEntry
	inFlightMu sync.Mutex

	consumerBundler *RequestBundler
	producerBundler *RequestBundler

	onLost func(*BrokerConnection)

	closeOnce sync.Once
	closed    chan struct{}
}

// newBrokerConnection dials addr and starts its fetcher, pusher, and
// receiver goroutines, sizing the two per-direction bundlers' batching
// policy from cfg. onPartitionOrphaned is wired into both bundlers so a
// single-partition leader-migration error re-homes just that partition's
// worker instead of tearing down the whole connection.
func newBrokerConnection(ctx context.Context, nodeID int32, addr, clientID string, logger Logger, cfg Config, onLost func(*BrokerConnection), onPartitionOrphaned func(*PartitionQueue)) (*BrokerConnection, error) {
	return dialBrokerConnection(ctx, nodeID, addr, clientID, logger, cfg, onLost, onPartitionOrphaned, true)
}

// dialShortLivedConnection dials addr and starts only its receiver task,
// for one-off synchronous RPCs (the bootstrap metadata probe) that have
// no attached bundlers and therefore no batching work for a fetcher or
// pusher task to do.
func dialShortLivedConnection(ctx context.Context, addr, clientID string, logger Logger, cfg Config) (*BrokerConnection, error) {
	return dialBrokerConnection(ctx, -1, addr, clientID, logger, cfg, nil, nil, false)
}

func dialBrokerConnection(ctx context.Context, nodeID int32, addr, clientID string, logger Logger, cfg Config, onLost func(*BrokerConnection), onPartitionOrphaned func(*PartitionQueue), persistent bool) (*BrokerConnection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	bc := &BrokerConnection{
		nodeID:              nodeID,
		addr:                addr,
		clientID:            clientID,
		logger:              logger,
		conn:                nc,
		bufr:                bufio.NewReaderSize(nc, int(cfg.deserializerChunkSize)),
		consumerMaxBytes:    cfg.consumerMaxBytes,
		serializerChunkSize: cfg.serializerChunkSize,
		consumerBundler:     newRequestBundler(cfg.fetcherBundleMinRequests, cfg.fetcherBundleMaxWaitTime),
		producerBundler:     newRequestBundler(cfg.pusherBundleMinRequests, cfg.pusherBundleMaxWaitTime),
		onLost:              onLost,
		closed:              make(chan struct{}),
	}
	bc.consumerBundler.onOrphan = onPartitionOrphaned
	bc.producerBundler.onOrphan = onPartitionOrphaned

	if persistent {
		go bc.fetchLoop()
		go bc.pushLoop()
	}
	go bc.receiveLoop()

	return bc, nil
}

func (bc *BrokerConnection) nextCorrelationID() int32 {
	bc.nextID++
	return bc.nextID
}

// writeRequest serializes req under the connection mutex, flushes it,
// and appends its in-flight entry in the same critical section so the
// FIFO order always matches wire order.
func (bc *BrokerConnection) writeRequest(req kwire.Request, kind requestKind, replyTo chan inFlightReply) error {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()

	cid := bc.nextCorrelationID()
	body := make([]byte, 0, bc.serializerChunkSize)
	body = kwire.AppendRequestHeader(body, req, 0, cid, bc.clientID)
	body = req.AppendTo(body)

	framed := kwire.AppendFrame(nil, body)
	if _, err := bc.conn.Write(framed); err != nil {
		return &ConnectionError{Addr: bc.addr, Err: err}
	}

	bc.inFlightMu.Lock()
	bc.inFlight = append(bc.inFlight, &inFlightEntry{kind: kind, replyTo: replyTo})
	bc.inFlightMu.Unlock()
	return nil
}

func (bc *BrokerConnection) popInFlight() *inFlightEntry {
	bc.inFlightMu.Lock()
	defer bc.inFlightMu.Unlock()
	if len(bc.inFlight) == 0 {
		return nil
	}
	e := bc.inFlight[0]
	bc.inFlight = bc.inFlight[1:]
	return e
}

// sendSync issues a synchronous RPC (metadata, offset) and blocks for
// its reply.
func (bc *BrokerConnection) sendSync(ctx context.Context, req kwire.Request, kind requestKind) (kwire.Response, error) {
	reply := make(chan inFlightReply, 1)
	if err := bc.writeRequest(req, kind, reply); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-bc.closed:
		return nil, ErrClientClosed
	}
}

// fetchLoop is the consumer-direction batching task ("Fetcher").
func (bc *BrokerConnection) fetchLoop() {
	for {
		select {
		case <-bc.closed:
			return
		default:
		}

		ready := bc.consumerBundler.collectBatch()
		if len(ready) == 0 {
			continue
		}

		req := &kwire.FetchRequest{ReplicaID: -1, MaxWaitMs: 500, MinBytes: 1}
		var curTopic *kwire.FetchRequestTopic
		for _, pe := range ready {
			if curTopic == nil || curTopic.Topic != pe.queue.topic {
				req.Topics = append(req.Topics, kwire.FetchRequestTopic{Topic: pe.queue.topic})
				curTopic = &req.Topics[len(req.Topics)-1]
			}
			pe.queue.mu.Lock()
			offset := pe.queue.nextOffsetToFetch
			pe.queue.mu.Unlock()
			curTopic.Partitions = append(curTopic.Partitions, kwire.FetchRequestPartition{
				Partition:   pe.partition,
				FetchOffset: offset,
				MaxBytes:    bc.consumerMaxBytes,
			})
		}

		if err := bc.writeRequest(req, kindFetch, nil); err != nil {
			bc.lost(err)
			return
		}
		bc.consumerBundler.clearRequestLists()
	}
}

// pushLoop is the producer-direction batching task ("Pusher").
func (bc *BrokerConnection) pushLoop() {
	for {
		select {
		case <-bc.closed:
			return
		default:
		}

		ready := bc.producerBundler.collectBatch()
		if len(ready) == 0 {
			continue
		}

		req := &kwire.ProduceRequest{RequiredAcks: 1, TimeoutMs: 5000}
		var curTopic *kwire.ProduceRequestTopic
		for _, pe := range ready {
			pe.queue.mu.Lock()
			if len(pe.queue.filled) == 0 {
				pe.queue.mu.Unlock()
				continue
			}
			// The sent buffer stays at the front of filled until its ack
			// arrives; handleProducePartition then returns it to free.
			buf := pe.queue.filled[0]
			pe.queue.mu.Unlock()

			if curTopic == nil || curTopic.Topic != pe.queue.topic {
				req.Topics = append(req.Topics, kwire.ProduceRequestTopic{Topic: pe.queue.topic})
				curTopic = &req.Topics[len(req.Topics)-1]
			}
			curTopic.Partitions = append(curTopic.Partitions, kwire.ProduceRequestPartition{
				Partition:  pe.partition,
				MessageSet: buf.remaining(),
			})
		}

		if err := bc.writeRequest(req, kindProduce, nil); err != nil {
			bc.lost(err)
			return
		}
		bc.producerBundler.clearRequestLists()
	}
}

// receiveLoop reads frames off the wire and dispatches them by in-flight
// kind.
func (bc *BrokerConnection) receiveLoop() {
	for {
		body, err := bc.readFrame()
		if err != nil {
			bc.lost(&ConnectionError{Addr: bc.addr, Err: err})
			return
		}

		_, rest, err := kwire.ReadCorrelationID(body)
		if err != nil {
			bc.lost(&ProtocolError{Reason: err.Error()})
			return
		}

		entry := bc.popInFlight()
		if entry == nil {
			bc.lost(&ProtocolError{Reason: "response with no matching in-flight request"})
			return
		}

		switch entry.kind {
		case kindMetadata:
			resp := new(kwire.MetadataResponse)
			err := resp.ReadFrom(rest)
			bc.replySync(entry, resp, err)
		case kindOffset:
			resp := new(kwire.OffsetResponse)
			err := resp.ReadFrom(rest)
			bc.replySync(entry, resp, err)
		case kindFetch:
			bc.handleFetchResponse(rest)
		case kindProduce:
			bc.handleProduceResponse(rest)
		}
	}
}

func (bc *BrokerConnection) replySync(entry *inFlightEntry, resp kwire.Response, err error) {
	if entry.replyTo == nil {
		return
	}
	entry.replyTo <- inFlightReply{resp: resp, err: err}
}

func (bc *BrokerConnection) readFrame() ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(bc.bufr, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(bc.bufr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handleFetchResponse applies per-partition error handling to a decoded
// fetch response.
func (bc *BrokerConnection) handleFetchResponse(body []byte) {
	var resp kwire.FetchResponse
	if err := resp.ReadFrom(body); err != nil {
		bc.lost(&ProtocolError{Reason: err.Error()})
		return
	}

	for _, topic := range resp.Topics {
		te := bc.consumerBundler.findTopic(topic.Topic)
		for _, part := range topic.Partitions {
			pe := bc.consumerBundler.findPartition(te, part.Partition)
			if pe == nil {
				continue // detached queue: discard bytes by not processing further
			}
			bc.handleFetchPartition(pe, part)
		}
	}
}

func (bc *BrokerConnection) handleFetchPartition(pe *partitionEntry, part kwire.FetchResponsePartition) {
	q := pe.queue

	switch err := kerr.ErrorForCode(part.ErrorCode); err {
	case nil:
		// fall through to the success path below
	case kerr.UnknownTopicOrPartition, kerr.LeaderNotAvailable, kerr.NotLeaderForPartition:
		bc.consumerBundler.removeQueue(q.topic, q.partition)
		return
	case kerr.OffsetOutOfRange:
		bc.consumerBundler.removeQueue(q.topic, q.partition)
		q.throwException(&OffsetOutOfRangeError{Topic: q.topic, Partition: q.partition})
		return
	default:
		bc.lost(&ProtocolError{Reason: "fetch error: " + err.Error()})
		return
	}

	q.mu.Lock()
	if !q.hasBuffer(sideFree) {
		q.mu.Unlock()
		bc.lost(&ProtocolError{Reason: "fetch response for partition with no free buffer"})
		return
	}
	buf := q.acquireFree()
	if int(part.MessageSetSize) > buf.capacity() {
		q.abandonFree(buf)
		q.mu.Unlock()
		q.throwException(&ProtocolError{Reason: "message set exceeds consumerMaxBytes"})
		return
	}
	buf.fill(part.MessageSet)
	nextOffset := scanNextOffset(buf, q.nextOffsetToFetch)
	q.nextOffsetToFetch = nextOffset
	q.highWatermark = part.EndOffset
	q.releaseFilled(buf)

	stillReady := q.hasBuffer(sideFree)
	q.requestPending = false
	q.mu.Unlock()

	if stillReady {
		bc.consumerBundler.queueHasReadyBuffers(q.topic, q.partition)
	}
}

// scanNextOffset walks a freshly filled message set to find the offset
// one past the last complete record.
func scanNextOffset(buf *QueueBuffer, fallback int64) int64 {
	data := buf.remaining()
	cursor := 0
	last := fallback - 1
	for cursor+headerSize <= len(data) {
		offset := int64(binary.BigEndian.Uint64(data[cursor:]))
		size := int32(binary.BigEndian.Uint32(data[cursor+8:]))
		recordEnd := cursor + 12 + int(size)
		if recordEnd > len(data) {
			break
		}
		last = offset
		cursor = recordEnd
	}
	return last + 1
}

func (bc *BrokerConnection) handleProduceResponse(body []byte) {
	var resp kwire.ProduceResponse
	if err := resp.ReadFrom(body); err != nil {
		bc.lost(&ProtocolError{Reason: err.Error()})
		return
	}

	for _, topic := range resp.Topics {
		te := bc.producerBundler.findTopic(topic.Topic)
		for _, part := range topic.Partitions {
			pe := bc.producerBundler.findPartition(te, part.Partition)
			if pe == nil {
				continue
			}
			bc.handleProducePartition(pe, part)
		}
	}
}

func (bc *BrokerConnection) handleProducePartition(pe *partitionEntry, part kwire.ProduceResponsePartition) {
	q := pe.queue

	switch err := kerr.ErrorForCode(part.ErrorCode); err {
	case kerr.UnknownTopicOrPartition, kerr.LeaderNotAvailable, kerr.NotLeaderForPartition:
		bc.producerBundler.removeQueue(q.topic, q.partition)
	default:
		if err != nil {
			q.throwException(&ProtocolError{Reason: "produce error: " + err.Error()})
			return
		}
		// Ack'd produce buffers return to free rather than leaking.
		q.mu.Lock()
		var acked *QueueBuffer
		if len(q.filled) > 0 {
			acked = q.filled[0]
			q.filled = q.filled[1:]
		}
		stillReady := len(q.filled) > 0
		q.requestPending = false
		q.mu.Unlock()
		if acked != nil {
			q.returnFree(acked)
		}
		if stillReady {
			bc.producerBundler.queueHasReadyBuffers(q.topic, q.partition)
		}
	}
}

// lost runs the connection-lost path: moves every attached worker to
// brokerless and notifies the owning Client.
func (bc *BrokerConnection) lost(err error) {
	bc.closeOnce.Do(func() {
		bc.logger.Log(LogLevelWarn, "connection lost", "addr", bc.addr, "err", err)
		close(bc.closed)
		bc.conn.Close()
		bc.consumerBundler.stop()
		bc.producerBundler.stop()
		if bc.onLost != nil {
			bc.onLost(bc)
		}
	})
}

func (bc *BrokerConnection) close() {
	bc.lost(ErrClientClosed)
}
