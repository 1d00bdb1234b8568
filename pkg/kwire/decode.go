package kwire

import "github.com/twmb/franz-go/pkg/kbin"

// decoder wraps kbin.Reader, a binary-cursor primitive built off a
// response buffer directly, with Complete called once parsing finishes.
// kwire's request/response bodies are simple enough that only a handful
// of its primitive readers are needed.
type decoder struct {
	r kbin.Reader
}

func newDecoder(src []byte) *decoder {
	return &decoder{r: kbin.Reader{Src: src}}
}

func (d *decoder) i16() int16 { return d.r.Int16() }
func (d *decoder) i32() int32 { return d.r.Int32() }
func (d *decoder) i64() int64 { return d.r.Int64() }

func (d *decoder) str() string {
	s := d.r.NullableString()
	if s == nil {
		return ""
	}
	return *s
}

func (d *decoder) arrayLen() int32 {
	n := d.r.ArrayLen()
	if n < 0 {
		return 0
	}
	return n
}

// rawBytes takes the next n bytes verbatim off the cursor without
// interpreting them, used for message-set payloads which kwire hands back
// to the caller unparsed (message.go owns record-level parsing).
func (d *decoder) rawBytes(n int32) []byte {
	if n <= 0 || int(n) > len(d.r.Src) {
		return nil
	}
	b := d.r.Src[:n]
	d.r.Src = d.r.Src[n:]
	return b
}

func (d *decoder) done() error { return d.r.Complete() }

func max0(n int32) int32 {
	if n < 0 {
		return 0
	}
	return n
}
