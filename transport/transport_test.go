package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakegut/h2reactor/internal/frame"
	"github.com/jakegut/h2reactor/internal/h2pack"
	"github.com/jakegut/h2reactor/transport"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(l)
}

// fakeServer is a hand-driven HTTP/2 peer over the far end of a net.Pipe: it
// reads and writes frames directly, standing in for a real server so tests
// can script exactly what the wire carries without a second Transport.
type fakeServer struct {
	t       *testing.T
	conn    net.Conn
	preface chan prefaceRead
}

// prefaceRead is what the server side of newPipe read off the wire before
// any test code ran: the preface string and the frame following it.
type prefaceRead struct {
	preface  []byte
	settings frame.Frame
	err      error
}

func newPipe(t *testing.T) (net.Conn, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	s := &fakeServer{t: t, conn: server, preface: make(chan prefaceRead, 1)}
	// Bind writes the preface synchronously, and a net.Pipe write only
	// completes once the far end reads it, so the server side must already
	// be reading when Bind is called; readPreface checks what was read here.
	go func() {
		buf := make([]byte, len(frame.ClientPreface))
		if _, err := readFull(server, buf); err != nil {
			s.preface <- prefaceRead{err: err}
			return
		}
		f, err := frame.Decode(server, 1<<20)
		s.preface <- prefaceRead{preface: buf, settings: f, err: err}
	}()
	return client, s
}

func (s *fakeServer) readPreface() {
	s.t.Helper()
	got := <-s.preface
	require.NoError(s.t, got.err)
	require.Equal(s.t, frame.ClientPreface, string(got.preface))

	// The preface is always immediately followed by a client SETTINGS
	// frame (see internal/frame.WritePreface).
	_, ok := got.settings.(*frame.SettingsFrame)
	require.True(s.t, ok, "expected client SETTINGS frame after preface")
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *fakeServer) readFrame() frame.Frame {
	s.t.Helper()
	f, err := frame.Decode(s.conn, 1<<20)
	require.NoError(s.t, err)
	return f
}

func (s *fakeServer) write(f frame.Frame) {
	s.t.Helper()
	buf, err := f.Encode(nil)
	require.NoError(s.t, err)
	_, err = s.conn.Write(buf)
	require.NoError(s.t, err)
}

func (s *fakeServer) writeHeaders(streamID uint32, headers []h2pack.Header, endStream bool) {
	s.t.Helper()
	enc := h2pack.NewEncoder()
	block, err := enc.Encode(headers)
	require.NoError(s.t, err)
	s.write(&frame.HeadersFrame{
		StreamID:      streamID,
		EndStream:     endStream,
		EndHeaders:    true,
		BlockFragment: block,
	})
}

func decodeHeaders(t *testing.T, block []byte) []h2pack.Header {
	t.Helper()
	dec := h2pack.NewDecoder()
	headers, err := dec.Decode(block)
	require.NoError(t, err)
	return headers
}

func headerValue(headers []h2pack.Header, name string) (string, bool) {
	for _, h := range headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

func bind(t *testing.T, conn net.Conn) *transport.Transport {
	t.Helper()
	tr, err := transport.Bind(context.Background(), conn, testLogger())
	require.NoError(t, err)
	return tr
}

func recvWithin(t *testing.T, tr *transport.Transport, d time.Duration) transport.ResponseFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	f, err := tr.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, f, "connection closed before a response frame arrived")
	return f
}

func TestCleartextGetRequest(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{
		ID: 1,
		Headers: []h2pack.Header{
			{Name: ":method", Value: "GET"},
			{Name: ":path", Value: "/get"},
			{Name: ":scheme", Value: "http"},
			{Name: ":authority", Value: "localhost:8080"},
		},
		HasBody: false,
	})

	hf := server.readFrame().(*frame.HeadersFrame)
	assert.Equal(t, uint32(1), hf.StreamID)
	assert.True(t, hf.EndStream)
	headers := decodeHeaders(t, hf.BlockFragment)
	method, _ := headerValue(headers, ":method")
	assert.Equal(t, "GET", method)

	server.writeHeaders(1, []h2pack.Header{{Name: ":status", Value: "200"}}, false)
	server.write(&frame.DataFrame{StreamID: 1, Data: []byte("hello"), EndStream: true})

	msg := recvWithin(t, tr, time.Second).(transport.Message)
	assert.Equal(t, uint64(1), msg.ID)
	status, _ := headerValue(msg.Headers, ":status")
	assert.Equal(t, "200", status)

	body := recvWithin(t, tr, time.Second).(transport.Body)
	assert.Equal(t, "hello", string(body.Data))

	end := recvWithin(t, tr, time.Second).(transport.Body)
	assert.Nil(t, end.Data)
	assert.NoError(t, end.Err)
}

func TestPostWithStreamedBodyThenClose(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{
		ID: 7,
		Headers: []h2pack.Header{
			{Name: ":method", Value: "POST"},
			{Name: ":path", Value: "/post"},
			{Name: ":scheme", Value: "http"},
			{Name: ":authority", Value: "localhost:8080"},
		},
		HasBody: true,
	})
	tr.Submit(transport.BodyChunk{ID: 7, Data: []byte("hello ")})
	tr.Submit(transport.BodyChunk{ID: 7, Data: []byte("world")})
	tr.Submit(transport.BodyChunk{ID: 7, Data: nil})

	hf := server.readFrame().(*frame.HeadersFrame)
	assert.False(t, hf.EndStream)
	streamID := hf.StreamID

	var got []byte
	for {
		df := server.readFrame().(*frame.DataFrame)
		got = append(got, df.Data...)
		if df.EndStream {
			break
		}
	}
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, streamID, hf.StreamID)
}

func TestTwoConcurrentInterleavedRequests(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{ID: 1, Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/a"}}, HasBody: false})
	tr.Submit(transport.Start{ID: 2, Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/b"}}, HasBody: false})

	hf1 := server.readFrame().(*frame.HeadersFrame)
	hf2 := server.readFrame().(*frame.HeadersFrame)
	require.NotEqual(t, hf1.StreamID, hf2.StreamID)

	// Interleave responses for the two streams.
	server.writeHeaders(hf1.StreamID, []h2pack.Header{{Name: ":status", Value: "200"}}, false)
	server.writeHeaders(hf2.StreamID, []h2pack.Header{{Name: ":status", Value: "200"}}, false)
	server.write(&frame.DataFrame{StreamID: hf2.StreamID, Data: []byte("b-chunk"), EndStream: true})
	server.write(&frame.DataFrame{StreamID: hf1.StreamID, Data: []byte("a-chunk"), EndStream: true})

	perID := map[uint64][]transport.ResponseFrame{}
	for i := 0; i < 6; i++ {
		f := recvWithin(t, tr, time.Second)
		var id uint64
		switch fr := f.(type) {
		case transport.Message:
			id = fr.ID
		case transport.Body:
			id = fr.ID
		}
		perID[id] = append(perID[id], f)
	}

	for _, id := range []uint64{1, 2} {
		frames := perID[id]
		require.Len(t, frames, 3)
		_, ok := frames[0].(transport.Message)
		assert.True(t, ok, "first frame for id %d must be a Message", id)
		body, ok := frames[1].(transport.Body)
		require.True(t, ok)
		assert.NotNil(t, body.Data)
		end, ok := frames[2].(transport.Body)
		require.True(t, ok)
		assert.Nil(t, end.Data)
	}
}

func TestLocalCloseBeforePeerResponds(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{
		ID:      3,
		Headers: []h2pack.Header{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/empty"}},
		HasBody: true,
	})
	tr.Submit(transport.BodyChunk{ID: 3, Data: nil})

	hf := server.readFrame().(*frame.HeadersFrame)
	assert.False(t, hf.EndStream)

	df := server.readFrame().(*frame.DataFrame)
	assert.Equal(t, 0, len(df.Data))
	assert.True(t, df.EndStream, "empty body must still carry END_STREAM once closed locally")

	server.writeHeaders(hf.StreamID, []h2pack.Header{{Name: ":status", Value: "204"}}, true)

	msg := recvWithin(t, tr, time.Second).(transport.Message)
	assert.Equal(t, uint64(3), msg.ID)
	end := recvWithin(t, tr, time.Second).(transport.Body)
	assert.Nil(t, end.Data)
}

// TestCooperativeYieldDuringBulkUpload checks that a PING arriving while a
// large request body is being streamed out still gets acknowledged
// promptly: the run loop must not monopolize itself writing DATA frames
// forever before returning to its select.
func TestCooperativeYieldDuringBulkUpload(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{
		ID:      9,
		Headers: []h2pack.Header{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/bulk"}},
		HasBody: true,
	})

	const chunkCount = 8
	chunk := make([]byte, 32*1024)
	for i := 0; i < chunkCount; i++ {
		tr.Submit(transport.BodyChunk{ID: 9, Data: chunk})
	}
	tr.Submit(transport.BodyChunk{ID: 9, Data: nil})

	hf := server.readFrame().(*frame.HeadersFrame)
	require.False(t, hf.EndStream)

	// Read exactly one DATA frame, then inject a PING: the run loop must
	// service it without first draining the whole body.
	first := server.readFrame().(*frame.DataFrame)
	assert.False(t, first.EndStream)

	server.write(&frame.PingFrame{Opaque: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			f := server.readFrame()
			if pf, ok := f.(*frame.PingFrame); ok {
				assert.True(t, pf.Ack)
				assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, pf.Opaque)
				return
			}
			if _, ok := f.(*frame.DataFrame); ok {
				continue
			}
			t.Errorf("unexpected frame while waiting for PING ack: %#v", f)
			return
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PING ack did not arrive promptly: run loop starved control traffic")
	}
}

// TestSubmitNeverBlocksOnSlowSocket checks that Submit returns immediately
// even while the run loop is stuck in a blocking write: the connection's
// peer here never reads again after the preface, so the first HEADERS
// write blocks forever (until the pipe is torn down in cleanup).
func TestSubmitNeverBlocksOnSlowSocket(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{
		ID:      1,
		Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/stuck"}},
		HasBody: false,
	})

	// Give the run loop a moment to pick up the Start and block on its
	// Flush; nobody reads server's side from here on.
	time.Sleep(50 * time.Millisecond)

	submitted := make(chan struct{})
	go func() {
		tr.Submit(transport.Start{
			ID:      2,
			Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/also-stuck"}},
			HasBody: false,
		})
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Submit blocked on a slow/stuck socket write")
	}
}

// TestTwoBulkUploadsInterleave checks DATA fairness between two streams that
// both have queued body data: frames must alternate rather than the first
// stream draining completely before the second gets a turn.
func TestTwoBulkUploadsInterleave(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	chunk := make([]byte, 16384)
	for _, id := range []uint64{1, 2} {
		tr.Submit(transport.Start{
			ID:      id,
			Headers: []h2pack.Header{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/bulk"}},
			HasBody: true,
		})
		for i := 0; i < 3; i++ {
			tr.Submit(transport.BodyChunk{ID: id, Data: chunk})
		}
		tr.Submit(transport.BodyChunk{ID: id, Data: nil})
	}

	streamIDs := map[uint64]uint32{}
	for i := 0; i < 2; i++ {
		hf := server.readFrame().(*frame.HeadersFrame)
		headers := decodeHeaders(t, hf.BlockFragment)
		require.Len(t, headers, 2)
		streamIDs[uint64(i+1)] = hf.StreamID
	}

	var order []uint32
	ended := map[uint32]bool{}
	for len(ended) < 2 {
		df := server.readFrame().(*frame.DataFrame)
		order = append(order, df.StreamID)
		if df.EndStream {
			ended[df.StreamID] = true
		}
	}

	first := func(id uint32) int {
		for i, s := range order {
			if s == id {
				return i
			}
		}
		return -1
	}
	last := func(id uint32) int {
		for i := len(order) - 1; i >= 0; i-- {
			if order[i] == id {
				return i
			}
		}
		return -1
	}

	a, b := streamIDs[1], streamIDs[2]
	require.NotEqual(t, -1, first(a))
	require.NotEqual(t, -1, first(b))
	assert.Less(t, first(b), last(a), "stream %d was starved until stream %d drained", b, a)
	assert.Less(t, first(a), last(b), "stream %d was starved until stream %d drained", a, b)
	require.GreaterOrEqual(t, len(order), 2)
	assert.NotEqual(t, order[0], order[1], "DATA frames must alternate between streams with queued data")
}

// TestDataAfterEndStreamGetsRstStream: a body chunk arriving after the peer
// already ended the stream is a violation that must be answered with
// RST_STREAM, not silently discarded.
func TestDataAfterEndStreamGetsRstStream(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{
		ID:      1,
		Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/x"}},
		HasBody: false,
	})
	hf := server.readFrame().(*frame.HeadersFrame)

	server.writeHeaders(hf.StreamID, []h2pack.Header{{Name: ":status", Value: "200"}}, false)
	server.write(&frame.DataFrame{StreamID: hf.StreamID, Data: []byte("abc"), EndStream: true})

	// Drain the well-formed response first.
	_ = recvWithin(t, tr, time.Second).(transport.Message)
	_ = recvWithin(t, tr, time.Second).(transport.Body)
	end := recvWithin(t, tr, time.Second).(transport.Body)
	require.Nil(t, end.Data)

	// Now a stray DATA frame on the finished stream.
	server.write(&frame.DataFrame{StreamID: hf.StreamID, Data: []byte("stray")})

	rst := server.readFrame().(*frame.RSTStreamFrame)
	assert.Equal(t, hf.StreamID, rst.StreamID)
	assert.Equal(t, frame.ErrCodeStreamClosed, rst.ErrorCode)
}

// TestBodyChunkAfterCloseFailsRequest: submitting more body data after the
// terminal BodyChunk is fatal for that request (RST_STREAM on the wire, an
// error frame on the response side) but leaves the connection usable.
func TestBodyChunkAfterCloseFailsRequest(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{
		ID:      5,
		Headers: []h2pack.Header{{Name: ":method", Value: "POST"}, {Name: ":path", Value: "/p"}},
		HasBody: true,
	})
	tr.Submit(transport.BodyChunk{ID: 5, Data: nil})
	tr.Submit(transport.BodyChunk{ID: 5, Data: []byte("too late")})

	hf := server.readFrame().(*frame.HeadersFrame)

	// Depending on how the run loop interleaves the submissions, the
	// terminal (empty, END_STREAM) DATA frame may make it out before the
	// misused chunk is noticed; the RST_STREAM must follow either way.
	var rst *frame.RSTStreamFrame
	for rst == nil {
		switch f := server.readFrame().(type) {
		case *frame.DataFrame:
			assert.Empty(t, f.Data)
		case *frame.RSTStreamFrame:
			rst = f
		default:
			t.Fatalf("unexpected frame while waiting for RST_STREAM: %#v", f)
		}
	}
	assert.Equal(t, hf.StreamID, rst.StreamID)
	assert.Equal(t, frame.ErrCodeCancel, rst.ErrorCode)

	body := recvWithin(t, tr, time.Second).(transport.Body)
	assert.Equal(t, uint64(5), body.ID)
	var serr *transport.StreamError
	require.ErrorAs(t, body.Err, &serr)

	// The connection is still usable for a fresh request.
	tr.Submit(transport.Start{
		ID:      6,
		Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/ok"}},
		HasBody: false,
	})
	hf2 := server.readFrame().(*frame.HeadersFrame)
	server.writeHeaders(hf2.StreamID, []h2pack.Header{{Name: ":status", Value: "200"}}, true)

	msg := recvWithin(t, tr, time.Second).(transport.Message)
	assert.Equal(t, uint64(6), msg.ID)
}

// TestPeerResetFailsOnlyThatStream: an RST_STREAM from the peer ends the
// affected request with a stream error; a concurrent request on the same
// connection completes normally.
func TestPeerResetFailsOnlyThatStream(t *testing.T) {
	conn, server := newPipe(t)
	tr := bind(t, conn)

	server.readPreface()

	tr.Submit(transport.Start{ID: 1, Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/a"}}, HasBody: false})
	tr.Submit(transport.Start{ID: 2, Headers: []h2pack.Header{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/b"}}, HasBody: false})

	hf1 := server.readFrame().(*frame.HeadersFrame)
	hf2 := server.readFrame().(*frame.HeadersFrame)

	server.write(&frame.RSTStreamFrame{StreamID: hf1.StreamID, ErrorCode: frame.ErrCodeRefusedStream})
	server.writeHeaders(hf2.StreamID, []h2pack.Header{{Name: ":status", Value: "200"}}, true)

	sawReset := false
	sawOK := false
	for i := 0; i < 3 && !(sawReset && sawOK); i++ {
		switch fr := recvWithin(t, tr, time.Second).(type) {
		case transport.Body:
			if fr.ID == 1 {
				var serr *transport.StreamError
				require.ErrorAs(t, fr.Err, &serr)
				assert.Equal(t, frame.ErrCodeRefusedStream, serr.Code)
				sawReset = true
			}
			if fr.ID == 2 {
				assert.Nil(t, fr.Err)
			}
		case transport.Message:
			if fr.ID == 2 {
				sawOK = true
			}
		}
	}
	assert.True(t, sawReset)
	assert.True(t, sawOK)
}
