// Package transport is the core of this module: it bridges a byte-oriented
// connection to a multiplexed, request/response-oriented API, keeping
// per-stream HTTP/2 state consistent with frames observed on the wire and
// fairly interleaving outbound DATA frames from many in-flight requests
// over a single connection.
//
// Submission (Submit) is always-ready: it only mutates in-memory state and
// never blocks. Responses (Recv) are delivered incrementally, in order, per
// request id: at most one Message (none if the request ends before response
// headers arrive), then zero or more Body chunks, then exactly one terminal
// Body.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jakegut/h2reactor/internal/frame"
	"github.com/jakegut/h2reactor/internal/h2pack"
	"github.com/jakegut/h2reactor/internal/session"
	"github.com/jakegut/h2reactor/internal/stream"
)

// dataFrameBudget bounds how many bytes a single produced DATA frame
// carries, independent of SETTINGS_MAX_FRAME_SIZE negotiation subtleties,
// kept conservative so one stream's body can never monopolize a write for
// long before the run loop re-enters its select and considers other work.
const dataFrameBudget = 16384

// Transport owns the single-threaded-equivalent run loop for one HTTP/2
// client connection: the frame reader/writer, the session table, the HPACK
// codec, and the request-id/stream-id bimap.
type Transport struct {
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer

	settings *frame.ConnSettings
	enc      *h2pack.Encoder
	dec      *h2pack.Decoder

	table *session.Table
	ids   *session.Bimap

	headersDelivered map[uint32]bool

	// Submission boundary: Submit runs on caller goroutines, the run loop
	// goroutine drains inbox under mu. This is the only lock in the
	// package; it sits at the boundary where goroutines cross into the
	// single owner of all other Transport state.
	mu     sync.Mutex
	inbox  []RequestFrame
	wake   chan struct{}

	// pending partial header block (HEADERS possibly followed by
	// CONTINUATION frames); RFC 7540 forbids interleaving other frames
	// mid-block, so one in-flight block per connection suffices.
	pendingStreamID uint32
	pendingBlock    []byte
	pendingEnd      bool
	pendingActive   bool

	// Round-robin cursor for outbound DATA selection: the next scan starts
	// just past the stream served last, so two streams with large bodies
	// alternate frames instead of the lowest id draining first.
	lastDataStreamID uint32

	responses chan ResponseFrame

	log *logrus.Entry
}

// New constructs a Transport over an already-bound connection. It starts
// the frame reader goroutine but neither writes the preface nor starts the
// run loop, so nothing submitted to it is sent; Bind does both and is the
// entry point for a working Transport.
func New(conn net.Conn, log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	settings := frame.DefaultConnSettings()
	t := &Transport{
		conn:             conn,
		reader:           frame.NewReader(conn, settings.MaxFrameSize),
		writer:           frame.NewWriter(conn),
		settings:         settings,
		enc:              h2pack.NewEncoder(),
		dec:              h2pack.NewDecoder(),
		table:            session.NewTable(),
		ids:              session.NewBimap(),
		headersDelivered: make(map[uint32]bool),
		wake:             make(chan struct{}, 1),
		responses:        make(chan ResponseFrame, 256),
		log:              log,
	}
	return t
}

// Bind writes the client connection preface over conn and returns a running
// Transport. No inbound frame is accepted until the preface write
// completes.
func Bind(ctx context.Context, conn net.Conn, log *logrus.Entry) (*Transport, error) {
	buf, err := frame.WritePreface(nil)
	if err != nil {
		return nil, fmt.Errorf("h2reactor: building preface: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("h2reactor: writing preface: %w", err)
	}

	t := New(conn, log)
	t.start(ctx)
	return t, nil
}

// start launches the run loop and a sibling goroutine that force-closes the
// connection on context cancellation, so a blocked Read/Write unblocks
// promptly instead of leaking the run loop past shutdown.
func (t *Transport) start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			t.conn.Close()
			return gctx.Err()
		case <-done:
			return nil
		}
	})
	g.Go(func() error {
		defer close(done)
		return t.run(gctx)
	})

	go func() {
		if err := g.Wait(); err != nil {
			t.log.WithError(err).Debug("transport run loop exited")
		}
	}()
}

// Submit enqueues a request frame. It never blocks and never refuses a
// frame; the actual wire work happens later, on the run loop.
func (t *Transport) Submit(f RequestFrame) {
	t.mu.Lock()
	t.inbox = append(t.inbox, f)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Recv blocks until the next response frame is available, the connection
// closes (io.EOF-equivalent: responses channel closed, error nil), or ctx
// is done.
func (t *Transport) Recv(ctx context.Context) (ResponseFrame, error) {
	select {
	case f, ok := <-t.responses:
		if !ok {
			return nil, nil
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) drainInbox() {
	t.mu.Lock()
	pending := t.inbox
	t.inbox = nil
	t.mu.Unlock()

	for _, f := range pending {
		switch rf := f.(type) {
		case Start:
			t.handleStart(rf)
		case BodyChunk:
			t.handleBodyChunk(rf)
		}
	}
}

// handleStart sends the initial HEADERS frame for a newly-submitted request.
func (t *Transport) handleStart(s Start) {
	st := stream.New()
	if !s.HasBody {
		st.CloseLocal()
	}

	streamID := t.table.Allocate(st)
	t.ids.Insert(s.ID, streamID)

	t.log.WithFields(logrus.Fields{"request_id": s.ID, "stream_id": streamID}).Debug("starting request")

	block, err := t.enc.Encode(s.Headers)
	if err != nil {
		t.log.WithError(err).Error("encoding request headers")
		st.CloseLocal()
		st.CloseRemote()
		t.send(Body{ID: s.ID, Err: &ProtocolError{Code: frame.ErrCodeInternalError, Err: err}})
		return
	}
	hf := &frame.HeadersFrame{
		StreamID:      streamID,
		EndStream:     !s.HasBody,
		EndHeaders:    true,
		BlockFragment: block,
	}
	t.writer.Enqueue(hf)
}

func (t *Transport) handleBodyChunk(b BodyChunk) {
	streamID, ok := t.ids.StreamID(b.ID)
	if !ok {
		return
	}
	st, ok := t.table.Get(streamID)
	if !ok {
		return
	}

	if b.Data == nil {
		t.log.WithField("stream_id", streamID).Trace("no more request data")
		st.SetShouldClose()
		return
	}
	if err := st.AddData(b.Data); err != nil {
		// Data submitted after the body was already terminated: fatal for
		// this request only, the connection stays usable.
		t.log.WithFields(logrus.Fields{"stream_id": streamID, "error": err}).Error("body chunk after close")
		t.writer.Enqueue(&frame.RSTStreamFrame{StreamID: streamID, ErrorCode: frame.ErrCodeCancel})
		responseEnded := st.IsClosedRemote()
		st.CloseLocal()
		st.CloseRemote()
		if !responseEnded {
			t.send(Body{ID: b.ID, Err: &StreamError{RequestID: b.ID, Code: frame.ErrCodeCancel}})
		}
	}
}

// run is the single goroutine allowed to touch streams, the bimap, or issue
// writes: one composite step per loop iteration, the Go analogue of a
// single Future::poll call on the connection.
func (t *Transport) run(ctx context.Context) error {
	defer close(t.responses)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-t.reader.Frames():
			if !ok {
				err := <-t.reader.Err()
				return t.fail(err)
			}
			if err := t.handleInboundFrame(f); err != nil {
				return t.fail(err)
			}
			t.reapClosedStreams()
			if _, err := t.writer.Flush(); err != nil {
				return t.fail(err)
			}

		case <-t.wake:
			t.drainInbox()
			if _, err := t.writer.Flush(); err != nil {
				return t.fail(err)
			}
		}

		wrote, err := t.pumpOutboundData()
		if err != nil {
			return t.fail(err)
		}
		if wrote {
			// More than one stream may have data ready; re-signal wake so
			// the next loop iteration picks this back up through the same
			// select a fresh Submit would use, instead of looping here
			// and starving the reader/ctx cases.
			t.wakeSelf()
		}
	}
}

func (t *Transport) wakeSelf() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// pumpOutboundData writes outbound request-body data: it writes at
// most one DATA frame per call so the run loop returns to its select
// (servicing reads, acks, and new Start submissions) before the next one.
// The bool result reports whether a frame was written, used by run to
// decide whether more outbound work might remain.
func (t *Transport) pumpOutboundData() (bool, error) {
	if t.writer.Pending() {
		if drained, err := t.writer.Flush(); err != nil || !drained {
			return false, err
		}
	}

	buf := make([]byte, dataFrameBudget)
	var produced *frame.DataFrame

	pick := func(id uint32, st *stream.Stream) bool {
		if st.IsClosedLocal() {
			return true
		}
		n, outcome, err := st.GetDataChunk(buf)
		if err != nil || outcome == stream.ChunkUnavailable {
			return true
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		produced = &frame.DataFrame{
			StreamID:  id,
			EndStream: outcome == stream.ChunkLast,
			Data:      data,
		}
		return false
	}

	// Two passes: first the streams past the round-robin cursor, then (if
	// none of those had data) wrap around to the beginning. A stream passed
	// over in the first pass consumed nothing, so retrying it is harmless.
	t.table.Range(func(id uint32, st *stream.Stream) bool {
		if id <= t.lastDataStreamID {
			return true
		}
		return pick(id, st)
	})
	if produced == nil {
		t.table.Range(pick)
	}
	if produced == nil {
		return false, nil
	}
	t.lastDataStreamID = produced.StreamID

	if err := t.writer.Enqueue(produced); err != nil {
		return false, err
	}
	if _, err := t.writer.Flush(); err != nil {
		return false, err
	}
	t.log.WithField("stream_id", produced.StreamID).Trace("wrote data frame")
	return true, nil
}

func (t *Transport) handleInboundFrame(f frame.Frame) error {
	switch fr := f.(type) {
	case *frame.HeadersFrame:
		return t.onHeaders(fr.StreamID, fr.BlockFragment, fr.EndHeaders, fr.EndStream)
	case *frame.ContinuationFrame:
		return t.onContinuation(fr.StreamID, fr.BlockFragment, fr.EndHeaders)
	case *frame.DataFrame:
		return t.onData(fr.StreamID, fr.Data, fr.EndStream)
	case *frame.RSTStreamFrame:
		t.onRSTStream(fr.StreamID, fr.ErrorCode)
		return nil
	case *frame.SettingsFrame:
		return t.onSettings(fr)
	case *frame.PingFrame:
		return t.onPing(fr)
	case *frame.WindowUpdateFrame:
		// Stream-level flow control beyond what the framing layer already
		// parses is out of scope; nothing to do but observe the frame.
		return nil
	case *frame.GoAwayFrame:
		t.log.WithFields(logrus.Fields{"last_stream_id": fr.LastStreamID, "code": fr.ErrorCode}).Info("received GOAWAY")
		return nil
	default:
		return nil
	}
}

func (t *Transport) onHeaders(streamID uint32, block []byte, endHeaders, endStream bool) error {
	t.pendingStreamID = streamID
	t.pendingBlock = append([]byte{}, block...)
	t.pendingEnd = endStream
	t.pendingActive = true
	if endHeaders {
		return t.finishHeaderBlock()
	}
	return nil
}

func (t *Transport) onContinuation(streamID uint32, block []byte, endHeaders bool) error {
	if !t.pendingActive || streamID != t.pendingStreamID {
		return fmt.Errorf("h2reactor: CONTINUATION for unexpected stream %d", streamID)
	}
	t.pendingBlock = append(t.pendingBlock, block...)
	if endHeaders {
		return t.finishHeaderBlock()
	}
	return nil
}

func (t *Transport) finishHeaderBlock() error {
	streamID := t.pendingStreamID
	block := t.pendingBlock
	endStream := t.pendingEnd
	t.pendingActive = false
	t.pendingBlock = nil

	headers, err := t.dec.Decode(block)
	if err != nil {
		return fmt.Errorf("h2reactor: HPACK decode: %w", err)
	}

	requestID, ok := t.ids.RequestID(streamID)
	if !ok {
		return nil
	}
	st, ok := t.table.Get(streamID)
	if !ok {
		return nil
	}

	if !t.headersDelivered[streamID] {
		t.headersDelivered[streamID] = true
		t.send(Message{ID: requestID, Headers: headers, HasBody: !endStream})
	} else {
		// A second header block on an already-open response is trailers.
		t.send(Trailer{ID: requestID, Headers: headers})
	}

	if endStream {
		st.CloseRemote()
		t.send(Body{ID: requestID, Data: nil})
	}
	return nil
}

func (t *Transport) onData(streamID uint32, data []byte, endStream bool) error {
	st, ok := t.table.Get(streamID)
	if !ok {
		// DATA on a stream that has already fully closed and been reaped:
		// a stream-level violation, answered with RST_STREAM rather than
		// silently discarded.
		return t.writer.Enqueue(&frame.RSTStreamFrame{StreamID: streamID, ErrorCode: frame.ErrCodeStreamClosed})
	}
	if st.IsClosedRemote() {
		// The peer already ended the body on this stream; more DATA after
		// END_STREAM is a stream-level violation (RFC 7540 5.1).
		return t.writer.Enqueue(&frame.RSTStreamFrame{StreamID: streamID, ErrorCode: frame.ErrCodeStreamClosed})
	}
	requestID, ok := t.ids.RequestID(streamID)
	if !ok {
		return nil
	}

	if len(data) > 0 {
		cp := make([]byte, len(data))
		copy(cp, data)
		t.send(Body{ID: requestID, Data: cp})
	}
	if endStream {
		st.CloseRemote()
		t.send(Body{ID: requestID, Data: nil})
	}
	return nil
}

func (t *Transport) onRSTStream(streamID uint32, code frame.ErrorCode) {
	requestID, ok := t.ids.RequestID(streamID)
	if !ok {
		return
	}
	st, ok := t.table.Get(streamID)
	if !ok {
		return
	}
	responseEnded := st.IsClosedRemote()
	st.CloseRemote()
	st.CloseLocal()
	if responseEnded {
		// The terminal Body for this request has already been sent.
		return
	}
	if code == frame.ErrCodeNoError {
		t.send(Body{ID: requestID, Data: nil})
		return
	}
	t.send(Body{ID: requestID, Err: &StreamError{RequestID: requestID, Code: code}})
}

func (t *Transport) onSettings(fr *frame.SettingsFrame) error {
	if fr.Ack {
		return nil
	}
	t.settings.Apply(fr.Settings)
	t.reader.SetMaxFrameSize(t.settings.MaxFrameSize)
	t.dec.SetMaxDynamicTableSize(t.settings.HeaderTableSize)
	return t.writer.Enqueue(&frame.SettingsFrame{Ack: true})
}

func (t *Transport) onPing(fr *frame.PingFrame) error {
	if fr.Ack {
		return nil
	}
	return t.writer.Enqueue(&frame.PingFrame{Ack: true, Opaque: fr.Opaque})
}

func (t *Transport) reapClosedStreams() {
	for _, id := range t.table.ClosedIDs() {
		t.table.Remove(id)
		t.ids.Remove(id)
		delete(t.headersDelivered, id)
	}
}

// send delivers one response frame onto the shared chunk queue (here
// realized as a buffered channel: the single producer is this run-loop
// goroutine, so no further synchronization is needed on the send side).
func (t *Transport) send(f ResponseFrame) {
	t.responses <- f
}

// fail is the connection-level failure path for a hard I/O error or
// protocol violation: best-effort GOAWAY, then a terminal error Body for
// every stream whose response has not already ended, then shutdown.
func (t *Transport) fail(err error) error {
	if err == nil {
		return nil
	}
	t.log.WithError(err).Warn("transport failing connection")

	code := frame.ErrCodeInternalError
	var perr *ProtocolError
	if ok := asProtocolError(err, &perr); ok {
		code = perr.Code
	}

	goaway := &frame.GoAwayFrame{ErrorCode: code}
	if buf, encErr := goaway.Encode(nil); encErr == nil {
		t.conn.Write(buf) // best-effort; connection is already on its way out
	}

	t.table.Range(func(id uint32, st *stream.Stream) bool {
		if requestID, ok := t.ids.RequestID(id); ok && !st.IsClosedRemote() {
			t.send(Body{ID: requestID, Err: &ProtocolError{Code: code, Err: err}})
		}
		return true
	})

	t.conn.Close()
	return err
}

func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
