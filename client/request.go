package client

import (
	"context"
	"errors"
	"io"
)

// Request describes an outgoing HTTP/2 request. Method, Path, Scheme and
// Authority become the :method, :path, :scheme and :authority pseudo-headers
// (sent ahead of Headers, per HPACK convention); Body is optional and, if
// set, is read to completion on a background goroutine and streamed out as
// it becomes available rather than buffered up front.
type Request struct {
	Method    string
	Path      string
	Scheme    string
	Authority string
	Headers   []Header
	Body      io.Reader
}

func (r *Request) headers() []Header {
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	out := []Header{
		{Name: ":method", Value: r.Method},
		{Name: ":path", Value: r.Path},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: r.Authority},
	}
	return append(out, r.Headers...)
}

// Response is the headers-and-streaming-body result of a Do call.
type Response struct {
	ID      uint64
	Headers []Header

	pending *pendingRequest
}

// ErrTrailersNotYetAvailable is returned by Trailers before the body has
// been fully drained: trailers, if any, only arrive after the last body
// chunk.
var ErrTrailersNotYetAvailable = errors.New("h2reactor: trailers not available until body is drained")

// Next returns the next body chunk, or io.EOF once the body is complete.
func (r *Response) Next(ctx context.Context) ([]byte, error) {
	select {
	case c, ok := <-r.pending.body:
		if !ok {
			return nil, io.EOF
		}
		if c.err != nil {
			return nil, c.err
		}
		if c.data == nil {
			return nil, io.EOF
		}
		return c.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadAll drains the response body to completion and returns it whole. For
// large or unbounded bodies prefer Next in a loop.
func (r *Response) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
	}
}

// Trailers returns the HTTP/2 trailers delivered with this response, if
// any. It must be called only after Next/ReadAll has observed io.EOF;
// calling it earlier returns ErrTrailersNotYetAvailable since trailers are
// only known once the body stream ends.
func (r *Response) Trailers() ([]Header, error) {
	select {
	case <-r.pending.done:
	default:
		return nil, ErrTrailersNotYetAvailable
	}
	r.pending.mu.Lock()
	defer r.pending.mu.Unlock()
	return r.pending.trailers, nil
}
