// Package client is the request/response facade over transport.Transport:
// where transport deals in Start/BodyChunk/Message/Body frames keyed by an
// opaque request id, Client turns that into Do(ctx, Request) returning a
// Response whose body can be read incrementally.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/jakegut/h2reactor/internal/h2pack"
	"github.com/jakegut/h2reactor/transport"
)

// Header is a single request or response header field.
type Header = h2pack.Header

// Client multiplexes many concurrent Do calls over one Transport.
type Client struct {
	t      *transport.Transport
	nextID uint64

	mu      sync.Mutex
	pending map[uint64]*pendingRequest

	log *logrus.Entry
}

type pendingRequest struct {
	msg  chan transport.Message
	body chan bodyChunk
	done chan struct{}

	mu       sync.Mutex
	trailers []Header
}

type bodyChunk struct {
	data []byte
	err  error
}

// Connect writes the connection preface over conn, starts the transport run
// loop, and starts this Client's response dispatcher. ctx governs the
// lifetime of both.
func Connect(ctx context.Context, conn net.Conn, log *logrus.Entry) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t, err := transport.Bind(ctx, conn, log)
	if err != nil {
		return nil, err
	}
	c := &Client{
		t:       t,
		pending: make(map[uint64]*pendingRequest),
		log:     log,
	}
	go c.dispatch(ctx)
	return c, nil
}

// dispatch is the single goroutine that drains Transport.Recv and routes
// each frame to the pendingRequest waiting on it. It owns c.pending
// alongside Do's registration under c.mu, the same boundary-mutex shape
// Submit uses on the transport side.
func (c *Client) dispatch(ctx context.Context) {
	for {
		f, err := c.t.Recv(ctx)
		if err != nil {
			c.failAll(err)
			return
		}
		if f == nil {
			c.failAll(nil)
			return
		}

		switch fr := f.(type) {
		case transport.Message:
			if p := c.lookup(fr.ID); p != nil {
				p.msg <- fr
			}
		case transport.Trailer:
			if p := c.lookup(fr.ID); p != nil {
				p.mu.Lock()
				p.trailers = fr.Headers
				p.mu.Unlock()
			}
		case transport.Body:
			if p := c.lookup(fr.ID); p != nil {
				if fr.Data == nil {
					// Mark the request done before handing over the
					// terminal chunk, so a reader that has seen it can
					// already read Trailers.
					c.remove(fr.ID)
					close(p.done)
				}
				p.body <- bodyChunk{data: fr.Data, err: fr.Err}
				if fr.Data == nil {
					close(p.body)
				}
			}
		}
	}
}

func (c *Client) lookup(id uint64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) remove(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		select {
		case p.body <- bodyChunk{err: fmt.Errorf("h2reactor: connection closed: %w", orEOF(err))}:
		default:
		}
		close(p.body)
		close(p.done)
	}
}

func orEOF(err error) error {
	if err == nil {
		return errConnectionClosed
	}
	return err
}

var errConnectionClosed = errors.New("h2reactor: connection closed")

// Do issues req and returns as soon as response headers arrive; the
// response body is read incrementally via Response.Next or Response.ReadAll.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	id := atomic.AddUint64(&c.nextID, 1)

	p := &pendingRequest{
		msg:  make(chan transport.Message, 1),
		body: make(chan bodyChunk, 8),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	headers := req.headers()
	hasBody := req.Body != nil

	c.t.Submit(transport.Start{ID: id, Headers: headers, HasBody: hasBody})

	if hasBody {
		go c.streamRequestBody(id, req)
	}

	select {
	case msg := <-p.msg:
		return &Response{
			ID:      id,
			Headers: msg.Headers,
			pending: p,
		}, nil
	case <-p.done:
		// The stream ended before response headers arrived. If the headers
		// raced in just ahead of the close, prefer them.
		select {
		case msg := <-p.msg:
			return &Response{ID: id, Headers: msg.Headers, pending: p}, nil
		default:
		}
		if chunk, ok := <-p.body; ok && chunk.err != nil {
			return nil, chunk.err
		}
		return nil, errClosedBeforeResponse
	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

var errClosedBeforeResponse = errors.New("h2reactor: stream closed before response headers")

func (c *Client) streamRequestBody(id uint64, req *Request) {
	buf := make([]byte, 16384)
	for {
		n, err := req.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.t.Submit(transport.BodyChunk{ID: id, Data: chunk})
		}
		if err != nil {
			c.t.Submit(transport.BodyChunk{ID: id, Data: nil})
			return
		}
	}
}
