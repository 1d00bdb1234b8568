package kcore

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionAttrMask is the two-bit codec field packed into a record's
// attr byte (attr & 0b11).
const compressionAttrMask = 0b11

// decompress expands a single compressed record's value according to its
// attr byte. A nonzero-compression message set must contain exactly one
// entry, whose value is the compressed byte stream; this returns the
// decompressed message set ready for recursive per-message parsing.
func decompress(attr int8, compressed []byte) ([]byte, error) {
	switch CompressionCodec(attr & compressionAttrMask) {
	case CompressionDefault:
		return compressed, nil
	case CompressionGZIP:
		r, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, &ProtocolError{Reason: "gzip: " + err.Error()}
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &ProtocolError{Reason: "gzip: " + err.Error()}
		}
		return out, nil
	case CompressionSnappy:
		out, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, &ProtocolError{Reason: "snappy: " + err.Error()}
		}
		return out, nil
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(compressed))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, &ProtocolError{Reason: "lz4: " + err.Error()}
		}
		return out, nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, &ProtocolError{Reason: "zstd: " + err.Error()}
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, &ProtocolError{Reason: "zstd: " + err.Error()}
		}
		return out, nil
	default:
		return nil, &ProtocolError{Reason: "unknown compression attr"}
	}
}

// compress encodes value with the producer's configured codec. Called
// only from the Producer façade; CompressionDefault is rejected at
// config-validation time, never reached here.
func compress(codec CompressionCodec, value []byte) ([]byte, error) {
	switch codec {
	case CompressionGZIP:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return snappy.Encode(nil, value), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(value, nil), nil
	default:
		return nil, &ProtocolError{Reason: "unsupported producer compression codec"}
	}
}
