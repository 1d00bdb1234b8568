package kwire

import "errors"

// ErrShortResponse is returned when a response body is too short to even
// contain a correlation id, which means the connection is speaking
// something other than this wire protocol.
var ErrShortResponse = errors.New("kwire: response shorter than a correlation id")
