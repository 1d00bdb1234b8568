package kcore

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	codecs := []CompressionCodec{CompressionGZIP, CompressionSnappy, CompressionLZ4, CompressionZSTD}
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, " +
		"the quick brown fox jumps over the lazy dog")

	for _, codec := range codecs {
		codec := codec
		t.Run(codecName(codec), func(t *testing.T) {
			compressed, err := compress(codec, payload)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			attr := int8(codec) & compressionAttrMask

			out, err := decompress(attr, compressed)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("round trip mismatch: got %q, want %q", out, payload)
			}
		})
	}
}

func codecName(c CompressionCodec) string {
	switch c {
	case CompressionGZIP:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

func TestDecompressDefaultIsPassthrough(t *testing.T) {
	payload := []byte("uncompressed")
	out, err := decompress(0, payload)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected passthrough, got %q", out)
	}
}
