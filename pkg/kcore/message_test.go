package kcore

import "testing"

// appendMessage builds one uncompressed wire-format record with the
// producer's appendRecord encoder, matching the layout message.go's
// parseRecord expects.
func appendMessage(offset int64, key, value []byte) []byte {
	return appendRecord(nil, offset, 0, key, value)
}

func TestParseRecordRoundTrip(t *testing.T) {
	data := appendMessage(17, []byte("k"), []byte("v"))

	rec, err := parseRecord(data)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a record, got nil (partial tail?)")
	}
	if !rec.crcOK() {
		t.Fatalf("expected valid crc, want=%08x got=%08x", rec.wantCRC, rec.gotCRC)
	}
	if rec.offset != 17 {
		t.Fatalf("offset = %d, want 17", rec.offset)
	}
	if string(rec.key) != "k" || string(rec.value) != "v" {
		t.Fatalf("key/value = %q/%q, want k/v", rec.key, rec.value)
	}
	if rec.n != len(data) {
		t.Fatalf("consumed %d bytes, want %d", rec.n, len(data))
	}
}

func TestParseRecordNilKeyAndValue(t *testing.T) {
	data := appendMessage(0, nil, nil)
	rec, err := parseRecord(data)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if rec.key != nil || rec.value != nil {
		t.Fatalf("expected nil key/value, got %q/%q", rec.key, rec.value)
	}
}

func TestParseRecordPartialTailIsNotAnError(t *testing.T) {
	full := appendMessage(1, []byte("k"), []byte("v"))
	partial := full[:len(full)-2]

	rec, err := parseRecord(partial)
	if err != nil {
		t.Fatalf("expected no error for a partial tail, got %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for a partial tail, got %+v", rec)
	}
}

func TestParseRecordCrcMismatchDetected(t *testing.T) {
	data := appendMessage(5, []byte("k"), []byte("v"))
	// Flip a bit inside the value, after the CRC has been computed, so
	// the stored CRC no longer matches.
	data[len(data)-1] ^= 0xFF

	rec, err := parseRecord(data)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if rec.crcOK() {
		t.Fatalf("expected crc mismatch after corrupting the record")
	}
}

func TestParseRecordRejectsNonZeroMagic(t *testing.T) {
	data := appendMessage(0, nil, nil)
	// magic byte sits right after the 4-byte crc, which itself follows
	// the 12-byte {offset,size} header.
	data[headerSize+4] = 1

	_, err := parseRecord(data)
	if err == nil {
		t.Fatalf("expected a ProtocolError for magic != 0")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

// TestCrcIdempotence checks the CRC idempotence law:
// a message that passes CRC on first read passes again after the buffer
// is rewound.
func TestCrcIdempotence(t *testing.T) {
	data := appendMessage(9, []byte("k"), []byte("v"))

	first, err := parseRecord(data)
	if err != nil || !first.crcOK() {
		t.Fatalf("first parse: rec=%+v err=%v", first, err)
	}

	second, err := parseRecord(data)
	if err != nil || !second.crcOK() {
		t.Fatalf("second parse after rewind: rec=%+v err=%v", second, err)
	}
}
