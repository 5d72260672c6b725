package transport

import (
	"fmt"

	"github.com/jakegut/h2reactor/internal/frame"
)

// ProtocolError is delivered (as the terminal Body for every still-open
// request) when a connection-level protocol violation forces the Transport
// to give up on the connection: GOAWAY goes out and every in-flight request
// fails with a tagged error rather than the process aborting outright.
type ProtocolError struct {
	Code frame.ErrorCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("h2reactor: protocol error %v: %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StreamError is delivered as the terminal Body for a single request whose
// stream was reset by the peer; other streams on the connection are
// unaffected.
type StreamError struct {
	RequestID uint64
	Code      frame.ErrorCode
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("h2reactor: stream %d reset: %v", e.RequestID, e.Code)
}
