package kcore

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got %v", err)
	}
}

func TestConfigValidateRejectsTooFewQueueBuffers(t *testing.T) {
	cfg := DefaultConfig()
	WithConsumerQueueBuffers(1)(&cfg)
	if err := cfg.validate(); err != errTooFewQueueBuffers {
		t.Fatalf("expected errTooFewQueueBuffers, got %v", err)
	}
}

func TestConfigValidateRejectsDefaultCompression(t *testing.T) {
	cfg := DefaultConfig()
	WithProducerCompression(CompressionDefault)(&cfg)
	if err := cfg.validate(); err != errDefaultCompression {
		t.Fatalf("expected errDefaultCompression, got %v", err)
	}
}

func TestConfigValidateRejectsNonPositiveMaxBytes(t *testing.T) {
	cfg := DefaultConfig()
	WithConsumerMaxBytes(0)(&cfg)
	if err := cfg.validate(); err != errNonPositiveMaxBytes {
		t.Fatalf("expected errNonPositiveMaxBytes, got %v", err)
	}
}

func TestConfigValidateRejectsNonPositiveChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	WithSerializerChunkSize(0)(&cfg)
	if err := cfg.validate(); err != errNonPositiveChunk {
		t.Fatalf("expected errNonPositiveChunk, got %v", err)
	}

	cfg = DefaultConfig()
	WithDeserializerChunkSize(-1)(&cfg)
	if err := cfg.validate(); err != errNonPositiveChunk {
		t.Fatalf("expected errNonPositiveChunk, got %v", err)
	}
}

func TestOptsApplyOverDefaults(t *testing.T) {
	cfg := DefaultConfig()
	for _, opt := range []Opt{
		WithClientID("my-client"),
		WithConsumerQueueBuffers(4),
		WithProducerCompression(CompressionSnappy),
	} {
		opt(&cfg)
	}
	if cfg.clientID != "my-client" {
		t.Fatalf("clientID = %q, want my-client", cfg.clientID)
	}
	if cfg.consumerQueueBuffers != 4 {
		t.Fatalf("consumerQueueBuffers = %d, want 4", cfg.consumerQueueBuffers)
	}
	if cfg.producerCompression != CompressionSnappy {
		t.Fatalf("producerCompression = %v, want CompressionSnappy", cfg.producerCompression)
	}
}
