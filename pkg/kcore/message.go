package kcore

import "hash/crc32"

// Message is the user-visible unit: its key and value are borrowed views
// into a QueueBuffer and are only valid until the next call that retires
// that buffer.
type Message struct {
	Offset int64
	Key    []byte
	Value  []byte
}

// magicByte is the only record format this core accepts; any other
// value is rejected as a protocol error.
const magicByte = 0

// record is one parsed entry from a message set, mirroring the wire
// layout `{ offset i64, size i32, crc i32, magic i8, attr i8, keyLen i32,
// key, valueLen i32, value }`.
type record struct {
	offset  int64
	attr    int8
	key     []byte
	value   []byte
	n       int // total bytes consumed from the start of the record, including the 12-byte header
	wantCRC uint32
	gotCRC  uint32
}

func (r *record) crcOK() bool { return r.wantCRC == r.gotCRC }

// parseRecord decodes one record from the front of data. It returns
// (nil, nil) — not an error — when data holds a partial trailing record
// shorter than its declared size, treated as an end-of-batch marker.
func parseRecord(data []byte) (*record, error) {
	if len(data) < headerSize {
		return nil, nil
	}

	offset := int64(beUint64(data[0:]))
	size := int32(beUint32(data[8:]))
	if size < 0 {
		return nil, &ProtocolError{Reason: "negative record size"}
	}

	total := headerSize + int(size)
	if total > len(data) {
		return nil, nil // partial tail
	}

	body := data[headerSize:total]
	if len(body) < 6 { // crc(4) + magic(1) + attr(1)
		return nil, &ProtocolError{Reason: "record shorter than its fixed fields"}
	}

	wantCRC := beUint32(body[0:])
	gotCRC := crc32.ChecksumIEEE(body[4:])

	magic := int8(body[4])
	if magic != magicByte {
		return nil, &ProtocolError{Reason: "unsupported message magic byte"}
	}
	attr := int8(body[5])

	rest := body[6:]
	if len(rest) < 4 {
		return nil, &ProtocolError{Reason: "record truncated before key length"}
	}
	keyLen := int32(beUint32(rest[0:]))
	rest = rest[4:]

	var key []byte
	if keyLen >= 0 {
		if int(keyLen) > len(rest) {
			return nil, &ProtocolError{Reason: "key length exceeds record"}
		}
		key = rest[:keyLen]
		rest = rest[keyLen:]
	}

	if len(rest) < 4 {
		return nil, &ProtocolError{Reason: "record truncated before value length"}
	}
	valueLen := int32(beUint32(rest[0:]))
	rest = rest[4:]

	var value []byte
	if valueLen >= 0 {
		if int(valueLen) > len(rest) {
			return nil, &ProtocolError{Reason: "value length exceeds record"}
		}
		value = rest[:valueLen]
	}

	return &record{
		offset:  offset,
		attr:    attr,
		key:     key,
		value:   value,
		n:       total,
		wantCRC: wantCRC,
		gotCRC:  gotCRC,
	}, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	hi := beUint32(b[0:])
	lo := beUint32(b[4:])
	return uint64(hi)<<32 | uint64(lo)
}
