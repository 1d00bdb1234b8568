// Package kwire implements the wire codec for this client: serialization
// and deserialization of the four Kafka v0 request/response pairs the
// core issues (Metadata, Fetch, Produce, Offset), plus the {size,
// correlation_id, body} TCP framing and the {api_key, api_version,
// correlation_id, client_id} request header that precede every request
// body on the wire.
//
// kcore never reaches into a concrete request or response type directly;
// it only depends on the Request/Response interfaces below.
package kwire

import "encoding/binary"

// ApiKey identifies which RPC a request/response pair belongs to.
type ApiKey int16

const (
	ApiProduce  ApiKey = 0
	ApiFetch    ApiKey = 1
	ApiOffset   ApiKey = 2
	ApiMetadata ApiKey = 3
)

func (k ApiKey) String() string {
	switch k {
	case ApiProduce:
		return "Produce"
	case ApiFetch:
		return "Fetch"
	case ApiOffset:
		return "Offset"
	case ApiMetadata:
		return "Metadata"
	default:
		return "Unknown"
	}
}

// Request is the serialize side of the codec contract: a value that knows
// its own API key, can append its encoded body to a growing byte slice, and
// can produce an empty Response of the matching kind to decode into.
type Request interface {
	Key() ApiKey
	AppendTo(dst []byte) []byte
	ResponseKind() Response
}

// Response is the deserialize side: populates itself from a response body
// whose frame size and correlation id have already been consumed by the
// caller (BrokerConnection's receiver task).
type Response interface {
	Key() ApiKey
	ReadFrom(src []byte) error
}

// AppendRequestHeader writes the standard request header ahead of a
// request's own body: api_key, api_version, correlation_id, client_id.
// The header is common to all four request kinds; only the body
// differs.
func AppendRequestHeader(dst []byte, req Request, apiVersion int16, correlationID int32, clientID string) []byte {
	dst = appendInt16(dst, int16(req.Key()))
	dst = appendInt16(dst, apiVersion)
	dst = appendInt32(dst, correlationID)
	dst = appendString(dst, clientID)
	return dst
}

// AppendFrame prefixes a fully encoded request (header + body) with the
// 4-byte big-endian size the TCP framing uses.
func AppendFrame(dst []byte, body []byte) []byte {
	dst = appendInt32(dst, int32(len(body)))
	return append(dst, body...)
}

// ReadCorrelationID consumes the 4-byte correlation id that begins every
// response body, returning the remainder for the concrete Response to
// decode.
func ReadCorrelationID(src []byte) (int32, []byte, error) {
	if len(src) < 4 {
		return 0, nil, ErrShortResponse
	}
	return int32(binary.BigEndian.Uint32(src)), src[4:], nil
}
