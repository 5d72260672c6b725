package transport

import "github.com/jakegut/h2reactor/internal/h2pack"

// RequestFrame is one of Start or BodyChunk: the two shapes Submit accepts.
type RequestFrame interface {
	requestFrame()
}

// Start begins a new request. Headers should list pseudo-headers
// (":method", ":path", ":scheme", ":authority") before regular headers;
// the HPACK encoder moves any pseudo-header listed later ahead of the
// regular ones, keeping the relative order within each group. If HasBody
// is false the stream is locally closed at creation so the peer knows no
// DATA will follow.
type Start struct {
	ID      uint64
	Headers []h2pack.Header
	HasBody bool
}

func (Start) requestFrame() {}

// BodyChunk appends (Data non-nil) or terminates (Data nil) the request
// body for ID. A nil Data causes local half-close once everything
// previously enqueued has drained to the wire.
type BodyChunk struct {
	ID   uint64
	Data []byte
}

func (BodyChunk) requestFrame() {}

// ResponseFrame is one of Message, Trailer or Body: the shapes Recv yields.
type ResponseFrame interface {
	responseFrame()
}

// Message carries the response headers for ID. HasBody declares that a
// body stream follows, even if it turns out to be zero chunks.
type Message struct {
	ID      uint64
	Headers []h2pack.Header
	HasBody bool
}

func (Message) responseFrame() {}

// Body carries a response body segment (Data non-nil), marks normal
// end-of-body (Data and Err both nil), or marks abnormal termination (Data
// nil, Err non-nil: a *ProtocolError or *StreamError). For a given ID,
// Recv yields at most one Message, followed by zero or more non-nil-Data
// Body (and possibly a Trailer), followed by exactly one terminal Body
// (Data nil). A request that ends before its response headers arrive gets
// no Message, only the terminal Body.
type Body struct {
	ID   uint64
	Data []byte
	Err  error
}

func (Body) responseFrame() {}

// Trailer carries a trailing HEADERS block for ID: a second header block
// arriving after Message has already been delivered. It is sent after the
// last non-nil Body and before the terminal Body.
type Trailer struct {
	ID      uint64
	Headers []h2pack.Header
}

func (Trailer) responseFrame() {}
