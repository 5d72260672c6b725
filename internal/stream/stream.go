// Package stream implements the per-stream HTTP/2 client state machine:
// exactly the part of RFC 7540 5.1 a client-initiated stream walks through,
// plus the outbound body-chunk bookkeeping the transport core needs to feed
// DATA frames onto the wire without accumulating an entire request body in
// memory.
package stream

import (
	"bytes"
	"errors"
)

/*
                            +--------+
                    send H  |        |
                   ,--------|  idle  |
                  /         |        |
                 v          +--------+
          +----------+          |
          |          |          | send H /
          | reserved |          | recv H
          | (local)  |          |
          +----------+          v
                             +--------+
                     recv ES |        | send ES
              ,--------------|  open  |--------------.
             /                |        |               \
            v                 +--------+                v
        +----------+              |               +----------+
        |   half   |              |               |   half   |
        |  closed  |              | send R /      |  closed  |
        | (remote) |              | recv R        | (local)  |
        +----------+              |               +----------+
             |                    |                    |
             | send ES /          |          recv ES / |
             | send R /           v           send R / |
             | recv R         +--------+      recv R    |
             `--------------->|        |<----------------'
                               | closed |
                               |        |
                               +--------+

This is the client side only: a client never reaches reserved(remote)
(push promises are out of scope), and a stream is created directly in
Idle/Open via Start, never via a received PUSH_PROMISE.
*/

// State is one of the states a client-initiated stream can occupy.
type State int

const (
	Open State = iota
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed (local)"
	case HalfClosedRemote:
		return "half-closed (remote)"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrLocallyClosed is returned by AddData once SetShouldClose has been
// called, and by GetDataChunk once the stream has been locally closed: no
// further request body bytes can be produced.
var ErrLocallyClosed = errors.New("stream: locally closed")

// ChunkOutcome is the result of a GetDataChunk call.
type ChunkOutcome int

const (
	// ChunkAvailable means buf[:n] holds bytes to send; more may follow.
	ChunkAvailable ChunkOutcome = iota
	// ChunkLast means buf[:n] (possibly empty) is the final chunk; the
	// stream has just transitioned to locally closed and the caller must
	// set END_STREAM on the DATA frame it builds from this chunk.
	ChunkLast
	// ChunkUnavailable means no bytes are ready yet, but the stream isn't
	// finished; more will arrive via AddData or Close.
	ChunkUnavailable
)

// Stream is one HTTP/2 client stream's local state: where it sits in the
// RFC 7540 5.1 state machine, and the outbound body queue that feeds DATA
// frames.
type Stream struct {
	id    uint32
	state State

	outBuf      *bytes.Reader
	outQueue    [][]byte
	shouldClose bool
}

// New creates a stream in the Open state with an empty outbound queue. The
// stream id is not yet known; see OnStreamIDAssigned.
func New() *Stream {
	return &Stream{state: Open}
}

// OnStreamIDAssigned backfills the HTTP/2 stream id once the session table
// has allocated one. Called exactly once, before the stream is reachable
// from any other code path, which avoids the "observed in an inconsistent
// state" hazard of assigning the id only after the Stream already exists
// elsewhere.
func (s *Stream) OnStreamIDAssigned(id uint32) {
	s.id = id
}

// ID returns the stream's HTTP/2 id, or 0 if not yet assigned.
func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) State() State {
	return s.state
}

// IsClosedLocal reports whether this endpoint has stopped sending on the
// stream (Open and HalfClosedRemote can still send; HalfClosedLocal and
// Closed cannot).
func (s *Stream) IsClosedLocal() bool {
	return s.state == HalfClosedLocal || s.state == Closed
}

// IsClosedRemote reports whether the peer has stopped sending on the
// stream.
func (s *Stream) IsClosedRemote() bool {
	return s.state == HalfClosedRemote || s.state == Closed
}

// IsClosed reports whether both endpoints are done with the stream and it
// may be reaped from the session table.
func (s *Stream) IsClosed() bool {
	return s.state == Closed
}

// CloseLocal transitions the local side to closed immediately (used when a
// request has no body: the HEADERS frame itself carries END_STREAM).
func (s *Stream) CloseLocal() {
	s.transitionLocalClosed()
}

// CloseRemote transitions the remote side to closed, called once a DATA or
// HEADERS frame with END_STREAM arrives, or a stream-ending RST_STREAM is
// received.
func (s *Stream) CloseRemote() {
	switch s.state {
	case Open:
		s.state = HalfClosedRemote
	case HalfClosedLocal:
		s.state = Closed
	}
}

func (s *Stream) transitionLocalClosed() {
	switch s.state {
	case Open:
		s.state = HalfClosedLocal
	case HalfClosedRemote:
		s.state = Closed
	}
}

// AddData appends a body segment to the outbound queue. It fails with
// ErrLocallyClosed once SetShouldClose has been called: adding data after
// the stream has been told to close can never be delivered.
func (s *Stream) AddData(data []byte) error {
	if s.shouldClose {
		return ErrLocallyClosed
	}
	s.outQueue = append(s.outQueue, data)
	return nil
}

// SetShouldClose is idempotent. Once set, no further AddData succeeds, and
// GetDataChunk will return ChunkLast once the outbound queue drains.
func (s *Stream) SetShouldClose() {
	s.shouldClose = true
}

// ShouldClose reports whether the local side has been told to close.
func (s *Stream) ShouldClose() bool {
	return s.shouldClose
}

func (s *Stream) prepareOutBuf() {
	if s.outBuf != nil && s.outBuf.Len() > 0 {
		return
	}
	if len(s.outQueue) == 0 {
		s.outBuf = nil
		return
	}
	next := s.outQueue[0]
	s.outQueue = s.outQueue[1:]
	s.outBuf = bytes.NewReader(next)
}

// GetDataChunk fills buf with outbound body data from the current queued
// segment (at most one AddData segment per call; the next segment is taken
// up once this one is used up) and reports what the caller should do with
// it. It fails with ErrLocallyClosed
// if the stream is already locally closed; the caller must not schedule
// this stream for further writes.
func (s *Stream) GetDataChunk(buf []byte) (n int, outcome ChunkOutcome, err error) {
	if s.IsClosedLocal() {
		return 0, 0, ErrLocallyClosed
	}

	s.prepareOutBuf()

	if s.outBuf == nil {
		if s.shouldClose {
			s.transitionLocalClosed()
			return 0, ChunkLast, nil
		}
		return 0, ChunkUnavailable, nil
	}

	n, _ = s.outBuf.Read(buf)
	exhausted := s.outBuf.Len() == 0 && len(s.outQueue) == 0
	if s.outBuf.Len() == 0 {
		s.outBuf = nil
	}

	if s.shouldClose && exhausted {
		s.transitionLocalClosed()
		return n, ChunkLast, nil
	}
	return n, ChunkAvailable, nil
}
