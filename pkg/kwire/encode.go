package kwire

import "encoding/binary"

func appendInt16(dst []byte, v int16) []byte {
	return append(dst, byte(v>>8), byte(v))
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

// appendString writes a non-nullable, int16-length-prefixed string, the
// encoding used for topic names and the client id in every request this
// codec emits.
func appendString(dst []byte, s string) []byte {
	dst = appendInt16(dst, int16(len(s)))
	return append(dst, s...)
}

// appendBytes writes an int32-length-prefixed byte slice, using -1 to
// signal a nil (absent) value, matching Kafka's nullable-bytes encoding
// used for message keys, values, and raw message sets.
func appendBytes(dst []byte, b []byte) []byte {
	if b == nil {
		return appendInt32(dst, -1)
	}
	dst = appendInt32(dst, int32(len(b)))
	return append(dst, b...)
}

func appendArrayLen(dst []byte, n int) []byte {
	return appendInt32(dst, int32(n))
}
