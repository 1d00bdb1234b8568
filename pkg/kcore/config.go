package kcore

import (
	"errors"
	"time"
)

// CompressionCodec selects the producer-side compression codec, matching
// the attribute-code values a Kafka message's attr&0b11 field carries.
type CompressionCodec int8

const (
	CompressionDefault CompressionCodec = iota // 0: no codec selected; invalid as a producer setting
	CompressionGZIP                            // attr code 1
	CompressionSnappy                          // attr code 2
	CompressionLZ4                             // attr code 3
	CompressionZSTD                            // attr code 4
)

// Config is the full configuration surface for a Client. Build one with
// DefaultConfig and Opt functions rather than constructing it directly.
type Config struct {
	clientID string
	logger   Logger

	consumerMaxBytes     int32
	consumerQueueBuffers int

	producerCompression CompressionCodec

	fetcherBundleMinRequests int
	fetcherBundleMaxWaitTime time.Duration

	pusherBundleMinRequests int
	pusherBundleMaxWaitTime time.Duration

	metadataRefreshRetryCount   int // 0 = infinite
	metadataRefreshRetryTimeout time.Duration

	leaderElectionRetryCount   int // 0 = infinite
	leaderElectionRetryTimeout time.Duration

	dialTimeout time.Duration

	// serializerChunkSize/deserializerChunkSize size, respectively, the
	// initial capacity of each outgoing request's serialization buffer
	// and the buffered reader a BrokerConnection reads response frames
	// through.
	serializerChunkSize   int32
	deserializerChunkSize int32
}

// DefaultConfig returns sane defaults for every knob, tuned for small
// resource caps (consumerQueueBuffers >= 2, etc).
func DefaultConfig() Config {
	return Config{
		clientID: "kcore",
		logger:   nopLogger{},

		consumerMaxBytes:     1 << 20,
		consumerQueueBuffers: 2,

		producerCompression: CompressionGZIP,

		fetcherBundleMinRequests: 1,
		fetcherBundleMaxWaitTime: 100 * time.Millisecond,

		pusherBundleMinRequests: 1,
		pusherBundleMaxWaitTime: 100 * time.Millisecond,

		metadataRefreshRetryCount:   5,
		metadataRefreshRetryTimeout: 250 * time.Millisecond,

		leaderElectionRetryCount:   5,
		leaderElectionRetryTimeout: 250 * time.Millisecond,

		dialTimeout: 10 * time.Second,

		serializerChunkSize:   4096,
		deserializerChunkSize: 4096,
	}
}

// Opt mutates a Config; NewClient applies every Opt in order over
// DefaultConfig() and then validates the result.
type Opt func(*Config)

func WithClientID(id string) Opt { return func(c *Config) { c.clientID = id } }
func WithLogger(l Logger) Opt    { return func(c *Config) { c.logger = l } }

func WithConsumerMaxBytes(n int32) Opt { return func(c *Config) { c.consumerMaxBytes = n } }
func WithConsumerQueueBuffers(n int) Opt {
	return func(c *Config) { c.consumerQueueBuffers = n }
}

func WithProducerCompression(codec CompressionCodec) Opt {
	return func(c *Config) { c.producerCompression = codec }
}

func WithFetcherBundle(minRequests int, maxWait time.Duration) Opt {
	return func(c *Config) {
		c.fetcherBundleMinRequests = minRequests
		c.fetcherBundleMaxWaitTime = maxWait
	}
}

func WithPusherBundle(minRequests int, maxWait time.Duration) Opt {
	return func(c *Config) {
		c.pusherBundleMinRequests = minRequests
		c.pusherBundleMaxWaitTime = maxWait
	}
}

func WithMetadataRefreshRetry(count int, timeout time.Duration) Opt {
	return func(c *Config) {
		c.metadataRefreshRetryCount = count
		c.metadataRefreshRetryTimeout = timeout
	}
}

func WithLeaderElectionRetry(count int, timeout time.Duration) Opt {
	return func(c *Config) {
		c.leaderElectionRetryCount = count
		c.leaderElectionRetryTimeout = timeout
	}
}

func WithDialTimeout(d time.Duration) Opt { return func(c *Config) { c.dialTimeout = d } }

func WithSerializerChunkSize(n int32) Opt {
	return func(c *Config) { c.serializerChunkSize = n }
}

func WithDeserializerChunkSize(n int32) Opt {
	return func(c *Config) { c.deserializerChunkSize = n }
}

var (
	errTooFewQueueBuffers  = errors.New("kcore: consumerQueueBuffers must be >= 2")
	errDefaultCompression  = errors.New("kcore: producerCompression must not be CompressionDefault")
	errNonPositiveMaxBytes = errors.New("kcore: consumerMaxBytes must be positive")
	errNonPositiveChunk    = errors.New("kcore: serializerChunkSize and deserializerChunkSize must be positive")
)

func (c Config) validate() error {
	if c.consumerQueueBuffers < 2 {
		return errTooFewQueueBuffers
	}
	if c.producerCompression == CompressionDefault {
		return errDefaultCompression
	}
	if c.consumerMaxBytes <= 0 {
		return errNonPositiveMaxBytes
	}
	if c.serializerChunkSize <= 0 || c.deserializerChunkSize <= 0 {
		return errNonPositiveChunk
	}
	return nil
}
