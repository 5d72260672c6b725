package frame

import (
	"io"
	"sync/atomic"
)

// Reader pumps frames off an io.Reader in its own goroutine and hands them
// to whoever owns the connection's single run loop over a channel. This is
// the Go realization of the "non-blocking FrameReader" collaborator: the
// pump goroutine is free to block in a syscall read, because it is never
// the goroutine that owns shared Transport state; the run loop never reads
// the connection itself and only receives from Frames()/Err().
type Reader struct {
	conn         io.Reader
	maxFrameSize atomic.Uint32

	frames chan Frame
	errc   chan error
}

// NewReader starts pumping frames from conn immediately. maxFrameSize is the
// initially negotiated SETTINGS_MAX_FRAME_SIZE; call SetMaxFrameSize as
// SETTINGS frames update it.
func NewReader(conn io.Reader, maxFrameSize uint32) *Reader {
	r := &Reader{
		conn:   conn,
		frames: make(chan Frame, 32),
		errc:   make(chan error, 1),
	}
	r.maxFrameSize.Store(maxFrameSize)
	go r.pump()
	return r
}

// SetMaxFrameSize updates the frame-size ceiling the pump goroutine enforces.
// Safe to call from a different goroutine than the pump.
func (r *Reader) SetMaxFrameSize(n uint32) {
	r.maxFrameSize.Store(n)
}

// Frames is the channel of successfully decoded frames. It is closed once
// the pump goroutine observes a terminal error, which is then available on
// Err().
func (r *Reader) Frames() <-chan Frame {
	return r.frames
}

// Err yields exactly one value: the error that stopped the pump (io.EOF on
// a clean close, anything else on a hard I/O error).
func (r *Reader) Err() <-chan error {
	return r.errc
}

func (r *Reader) pump() {
	defer close(r.frames)
	for {
		f, err := Decode(r.conn, r.maxFrameSize.Load())
		if err != nil {
			switch err {
			case ErrUnknownFrame, ErrFrameTooLarge:
				// The payload was already drained from the wire; skip this
				// frame and keep the stream of frames in sync (RFC 7540
				// 5.5: unknown frame types must be ignored).
				continue
			}
			r.errc <- err
			return
		}
		r.frames <- f
	}
}
