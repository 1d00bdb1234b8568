package kcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partitionlabs/kcore/pkg/kwire"
)

type workerKind int8

const (
	workerConsumer workerKind = iota
	workerProducer
)

// worker is the brokerless-work-queue entry: a Consumer or Producer
// façade not currently attached to any bundler.
type worker struct {
	kind     workerKind
	consumer *Consumer
	producer *Producer
}

func (w *worker) queue() *PartitionQueue {
	if w.kind == workerConsumer {
		return w.consumer.queue
	}
	return w.producer.queue
}

func (w *worker) topic() string {
	if w.kind == workerConsumer {
		return w.consumer.topic
	}
	return w.producer.topic
}

func (w *worker) partition() int32 {
	if w.kind == workerConsumer {
		return w.consumer.partition
	}
	return w.producer.partition
}

// partitionMeta is one partition's metadata cache entry.
type partitionMeta struct {
	leader   int32
	replicas []int32
	isr      []int32
}

type topicMeta struct {
	partitions map[int32]partitionMeta
}

// metadataCache is rebuilt wholesale on every refresh.
type metadataCache struct {
	brokers map[int32]string
	topics  map[string]topicMeta
}

func newMetadataCache() *metadataCache {
	return &metadataCache{brokers: map[int32]string{}, topics: map[string]topicMeta{}}
}

func (m *metadataCache) find(topic string, partition int32) (partitionMeta, bool) {
	t, ok := m.topics[topic]
	if !ok {
		return partitionMeta{}, false
	}
	pm, ok := t.partitions[partition]
	return pm, ok
}

// Client is the connection manager: it owns the metadata cache, the
// broker→connection map, the worker registry, and the
// reconnection/re-homing loop. The brokerless-worker queue follows the
// same mutex+cond+slice shape as a ready-list drain queue, generalized
// here to brokerless Consumer AND Producer workers rather than only
// fetch sources.
type Client struct {
	cfg        Config
	instanceID string

	bootstrap []string

	mu       sync.Mutex
	cv       *sync.Cond
	meta     *metadataCache
	conns    map[int32]*BrokerConnection
	allWorkers []*worker
	brokerless []*worker

	closed bool
	cancel context.CancelFunc
	ctx    context.Context
}

// NewClient builds a Client against the given bootstrap broker
// addresses, applies opts over DefaultConfig, validates the result,
// performs an initial metadata refresh, and starts the
// connection-manager loop.
func NewClient(bootstrapBrokers []string, opts ...Opt) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(bootstrapBrokers) == 0 {
		return nil, fmt.Errorf("kcore: at least one bootstrap broker is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		instanceID: newInstanceID(),
		bootstrap:  bootstrapBrokers,
		meta:       newMetadataCache(),
		conns:      map[int32]*BrokerConnection{},
		ctx:        ctx,
		cancel:     cancel,
	}
	c.cv = sync.NewCond(&c.mu)
	cfg.logger.Log(LogLevelInfo, "client starting", "instance_id", c.instanceID, "bootstrap", bootstrapBrokers)

	if err := c.refreshMetadataLocked(ctx); err != nil {
		cancel()
		return nil, err
	}

	go c.connectionManagerLoop()

	return c, nil
}

// Topics returns every topic currently known to the metadata cache.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.meta.topics))
	for t := range c.meta.topics {
		out = append(out, t)
	}
	return out
}

// Partitions returns every partition id known for topic.
func (c *Client) Partitions(topic string) []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.meta.topics[topic]
	if !ok {
		return nil
	}
	out := make([]int32, 0, len(t.partitions))
	for p := range t.partitions {
		out = append(out, p)
	}
	return out
}

// RefreshMetadata forces an immediate metadata rebuild.
func (c *Client) RefreshMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshMetadataLocked(c.ctx)
}

// refreshMetadataLocked fans out across bootstrap brokers with fallback,
// retrying up to metadataRefreshRetryCount times with
// metadataRefreshRetryTimeout between sweeps (0 = infinite).
func (c *Client) refreshMetadataLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 0; c.cfg.metadataRefreshRetryCount == 0 || attempt < c.cfg.metadataRefreshRetryCount; attempt++ {
		for _, addr := range c.bootstrap {
			next, err := c.tryMetadataFrom(ctx, addr)
			if err != nil {
				lastErr = err
				continue
			}
			c.meta = next
			return nil
		}
		select {
		case <-time.After(c.cfg.metadataRefreshRetryTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("kcore: no bootstrap brokers configured")
	}
	return lastErr
}

// tryMetadataFrom dials addr directly (outside the persistent connection
// pool, since no broker id is known yet), issues an empty-topic-list
// Metadata request, and rebuilds the cache from its response. The
// answering broker is not matched against the returned broker list; the
// short-lived connection keeps node id -1 and no node id is assigned to
// it.
func (c *Client) tryMetadataFrom(ctx context.Context, addr string) (*metadataCache, error) {
	bc, err := dialShortLivedConnection(ctx, addr, c.cfg.clientID, c.cfg.logger, c.cfg)
	if err != nil {
		return nil, err
	}
	defer bc.close()

	resp, err := bc.sendSync(ctx, &kwire.MetadataRequest{}, kindMetadata)
	if err != nil {
		return nil, err
	}
	mr, ok := resp.(*kwire.MetadataResponse)
	if !ok || len(mr.Brokers) == 0 {
		return nil, &ProtocolError{Reason: "empty broker list in metadata response"}
	}

	next := newMetadataCache()
	for _, b := range mr.Brokers {
		next.brokers[b.NodeID] = fmt.Sprintf("%s:%d", b.Host, b.Port)
	}
	for _, t := range mr.Topics {
		tm := topicMeta{partitions: map[int32]partitionMeta{}}
		for _, p := range t.Partitions {
			tm.partitions[p.Partition] = partitionMeta{leader: p.Leader, replicas: p.Replicas, isr: p.Isr}
		}
		next.topics[t.Topic] = tm
	}
	return next, nil
}

// Consumer attaches a new Consumer for (topic, partition) starting at
// offset (or the -1/-2 sentinels). It is initially brokerless; the
// connection-manager loop resolves its leader and attaches its queue.
func (c *Client) Consumer(topic string, partition int32, offset int64) *Consumer {
	return newConsumer(c, topic, partition, offset, c.cfg.consumerQueueBuffers, int(c.cfg.consumerMaxBytes))
}

// Producer attaches a new Producer for (topic, partition), using the
// client's configured compression codec.
func (c *Client) Producer(topic string, partition int32) *Producer {
	return newProducer(c, topic, partition, c.cfg.producerCompression, c.cfg.consumerQueueBuffers, int(c.cfg.consumerMaxBytes))
}

// registerWorker adds w to allWorkers and brokerless, waking the
// connection-manager loop.
func (c *Client) registerWorker(w *worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allWorkers = append(c.allWorkers, w)
	c.brokerless = append(c.brokerless, w)
	c.cv.Broadcast()
}

// unregisterWorker detaches q from whatever bundler holds it (if any)
// and removes its worker from both registry lists.
func (c *Client) unregisterWorker(q *PartitionQueue) {
	q.mu.Lock()
	b := q.bundler
	topic, partition := q.topic, q.partition
	q.mu.Unlock()

	if b != nil {
		b.removeQueue(topic, partition)
	}
	q.throwException(ErrQueueDetached)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.allWorkers = removeWorkerByQueue(c.allWorkers, q)
	c.brokerless = removeWorkerByQueue(c.brokerless, q)
}

func removeWorkerByQueue(list []*worker, q *PartitionQueue) []*worker {
	out := list[:0]
	for _, w := range list {
		if w.queue() != q {
			out = append(out, w)
		}
	}
	return out
}

// connectionManagerLoop is the reconnection loop: pop a brokerless
// worker, resolve its leader (retrying metadata refreshes on a
// leader-election timer), attach it to that leader's bundler.
func (c *Client) connectionManagerLoop() {
	for {
		w := c.popBrokerless()
		if w == nil {
			return // client closed
		}

		pm, err := c.resolveLeader(w.topic(), w.partition())
		if err != nil {
			w.queue().throwException(err)
			continue
		}

		bc, err := c.getOrOpenConnection(pm.leader)
		if err != nil {
			w.queue().throwException(err)
			c.requeueBrokerless(w)
			continue
		}

		if w.kind == workerConsumer {
			c.attachConsumer(w.consumer, bc)
		} else {
			bc.producerBundler.addQueue(w.producer.queue, sideFilled)
		}
	}
}

func (c *Client) attachConsumer(cons *Consumer, bc *BrokerConnection) {
	cons.queue.mu.Lock()
	offset := cons.queue.nextOffsetToFetch
	cons.queue.mu.Unlock()

	if offset == kwire.OffsetTimeLatest || offset == kwire.OffsetTimeEarliest {
		resolved, err := c.resolveStartingOffset(bc, cons.topic, cons.partition, offset)
		if err != nil {
			cons.queue.throwException(err)
			return
		}
		cons.queue.mu.Lock()
		cons.queue.nextOffsetToFetch = resolved
		cons.queue.mu.Unlock()
	}

	bc.consumerBundler.addQueue(cons.queue, sideFree)
}

// resolveStartingOffset issues a synchronous Offset RPC to translate the
// -1/-2 sentinels into a concrete offset.
func (c *Client) resolveStartingOffset(bc *BrokerConnection, topic string, partition int32, sentinel int64) (int64, error) {
	req := &kwire.OffsetRequest{
		ReplicaID: -1,
		Topics: []kwire.OffsetRequestTopic{{
			Topic: topic,
			Partitions: []kwire.OffsetRequestPartition{
				{Partition: partition, Time: sentinel, MaxNumOffsets: 1},
			},
		}},
	}
	resp, err := bc.sendSync(c.ctx, req, kindOffset)
	if err != nil {
		return 0, err
	}
	or, ok := resp.(*kwire.OffsetResponse)
	if !ok {
		return 0, &ProtocolError{Reason: "unexpected response type for offset request"}
	}
	for _, t := range or.Topics {
		if t.Topic != topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition == partition && len(p.Offsets) > 0 {
				return p.Offsets[0], nil
			}
		}
	}
	return 0, &MetadataError{Topic: topic, Partition: partition, Err: fmt.Errorf("no offset returned")}
}

// resolveLeader refreshes metadata and waits for a partition's leader to
// become known, retrying up to leaderElectionRetryCount times.
func (c *Client) resolveLeader(topic string, partition int32) (partitionMeta, error) {
	for attempt := 0; c.cfg.leaderElectionRetryCount == 0 || attempt < c.cfg.leaderElectionRetryCount; attempt++ {
		c.mu.Lock()
		err := c.refreshMetadataLocked(c.ctx)
		var pm partitionMeta
		var ok bool
		if err == nil {
			pm, ok = c.meta.find(topic, partition)
		}
		c.mu.Unlock()

		if err != nil {
			return partitionMeta{}, &MetadataError{Topic: topic, Partition: partition, Err: err}
		}
		if !ok {
			return partitionMeta{}, &MetadataError{Topic: topic, Partition: partition, Err: fmt.Errorf("topic or partition not found")}
		}
		if pm.leader >= 0 {
			return pm, nil
		}
		time.Sleep(c.cfg.leaderElectionRetryTimeout)
	}
	return partitionMeta{}, &LeaderElectionTimeoutError{Topic: topic, Partition: partition}
}

func (c *Client) popBrokerless() *worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.brokerless) == 0 && !c.closed {
		c.cv.Wait()
	}
	if c.closed && len(c.brokerless) == 0 {
		return nil
	}
	w := c.brokerless[0]
	c.brokerless = c.brokerless[1:]
	return w
}

func (c *Client) requeueBrokerless(w *worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brokerless = append(c.brokerless, w)
	c.cv.Broadcast()
}

// getOrOpenConnection returns the existing connection to nodeID or dials
// a fresh one, resolving its address from the metadata cache.
func (c *Client) getOrOpenConnection(nodeID int32) (*BrokerConnection, error) {
	c.mu.Lock()
	if bc, ok := c.conns[nodeID]; ok {
		c.mu.Unlock()
		return bc, nil
	}
	addr, ok := c.meta.brokers[nodeID]
	c.mu.Unlock()
	if !ok {
		return nil, &MetadataError{Err: fmt.Errorf("unknown broker id %d", nodeID)}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.dialTimeout)
	defer cancel()
	bc, err := newBrokerConnection(ctx, nodeID, addr, c.cfg.clientID, c.cfg.logger, c.cfg, c.onConnectionLost, c.onPartitionOrphaned)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conns[nodeID] = bc
	c.mu.Unlock()
	return bc, nil
}

// onConnectionLost is BrokerConnection.lost's callback: it drains both
// bundlers back onto the brokerless list under the fixed {client,
// consumer bundler, producer bundler} lock order, the one global
// ordering rule that keeps composite lock acquisition deadlock-free.
func (c *Client) onConnectionLost(bc *BrokerConnection) {
	c.mu.Lock()
	for id, conn := range c.conns {
		if conn == bc {
			delete(c.conns, id)
			break
		}
	}
	c.mu.Unlock()

	drained := append(bc.consumerBundler.drainAll(), queuesOf(bc.producerBundler.drainAll())...)

	c.mu.Lock()
	for _, q := range drained {
		if w := findWorkerByQueue(c.allWorkers, q); w != nil {
			c.brokerless = append(c.brokerless, w)
		}
	}
	c.cv.Broadcast()
	c.mu.Unlock()
}

// onPartitionOrphaned is RequestBundler.removeQueue's callback for a
// single-partition broker error (leader moved, partition unknown):
// unlike onConnectionLost it leaves the rest of the connection's
// bundlers untouched and only requeues the one affected worker onto
// brokerless, so connectionManagerLoop re-resolves its new leader
// instead of leaving it stuck waiting on a bundler that will never see
// it again.
func (c *Client) onPartitionOrphaned(q *PartitionQueue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w := findWorkerByQueue(c.allWorkers, q); w != nil {
		c.brokerless = append(c.brokerless, w)
		c.cv.Broadcast()
	}
}

func queuesOf(qs []*PartitionQueue) []*PartitionQueue { return qs }

func findWorkerByQueue(list []*worker, q *PartitionQueue) *worker {
	for _, w := range list {
		if w.queue() == q {
			return w
		}
	}
	return nil
}

// Close tears down the client: cancels the connection-manager loop,
// closes every broker connection (draining in-flight with
// ErrClientClosed), and wakes any consumer/producer blocked on a queue
// wait.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conns := make([]*BrokerConnection, 0, len(c.conns))
	for _, bc := range c.conns {
		conns = append(conns, bc)
	}
	workers := append([]*worker(nil), c.allWorkers...)
	c.cv.Broadcast()
	c.mu.Unlock()

	c.cancel()
	for _, bc := range conns {
		bc.close()
	}
	for _, w := range workers {
		w.queue().throwException(ErrClientClosed)
	}
}
