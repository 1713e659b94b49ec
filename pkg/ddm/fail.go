package ddm

import (
	"fmt"

	"github.com/go-delve/ddmbridge/pkg/jdwp"
)

// TagFAIL replaces the expected chunk when the VM rejects a request.
var TagFAIL = jdwp.TagOf("FAIL")

// ChunkError is the content of a FAIL chunk.
type ChunkError struct {
	Code    int
	Message string
}

func (err *ChunkError) Error() string {
	return fmt.Sprintf("DDM request failed with code %d: %s", err.Code, err.Message)
}

// ParseFail decodes a FAIL chunk body. A truncated body yields whatever
// could be decoded.
func ParseFail(body []byte) *ChunkError {
	r := &bodyReader{b: body}
	code := r.i32()
	msg := r.prefixedUTF16()
	return &ChunkError{Code: code, Message: msg}
}

// FailBody encodes a FAIL chunk body.
func FailBody(code int, msg string) []byte {
	w := &bodyWriter{}
	w.u32(uint32(code))
	w.prefixedUTF16(msg)
	return w.b
}
