// Package h2pack adapts HPACK header compression for the transport core.
// It keeps the ordered (name, value) pair shape the rest of this module
// works with (pseudo-headers before regular headers, duplicates preserved
// in arrival order) while delegating the actual Huffman/varint/dynamic-table
// machinery to golang.org/x/net/http2/hpack, the real HPACK implementation
// this repo's dependency graph already carries.
package h2pack

import (
	"bytes"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// Header is a single decoded or to-be-encoded header field.
type Header struct {
	Name  string
	Value string
}

func isPseudo(name string) bool {
	return strings.HasPrefix(name, ":")
}

// Encoder turns an ordered header list into an HPACK block.
//
// Callers are expected to already order pseudo-headers first
// (client.Request builds request headers that way); Encode
// re-sorts defensively with a stable partition so an accidental
// misordering never produces an invalid block.
type Encoder struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	return e
}

// Encode returns the HPACK-encoded header block for headers.
func (e *Encoder) Encode(headers []Header) ([]byte, error) {
	e.buf.Reset()

	ordered := make([]Header, 0, len(headers))
	for _, h := range headers {
		if isPseudo(h.Name) {
			ordered = append(ordered, h)
		}
	}
	for _, h := range headers {
		if !isPseudo(h.Name) {
			ordered = append(ordered, h)
		}
	}

	for _, h := range ordered {
		if err := e.enc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
			return nil, err
		}
	}

	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// Decoder turns a concatenated HEADERS+CONTINUATION block back into an
// ordered header list.
type Decoder struct {
	dec    *hpack.Decoder
	fields []Header
}

func NewDecoder() *Decoder {
	d := &Decoder{}
	d.dec = hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		d.fields = append(d.fields, Header{Name: f.Name, Value: f.Value})
	})
	return d
}

// SetMaxDynamicTableSize mirrors SETTINGS_HEADER_TABLE_SIZE as announced by
// the peer.
func (d *Decoder) SetMaxDynamicTableSize(v uint32) {
	d.dec.SetMaxDynamicTableSize(v)
}

// Decode parses a complete header block (the concatenation of one HEADERS
// frame's fragment and any following CONTINUATION fragments) and returns
// the header fields in wire order.
func (d *Decoder) Decode(block []byte) ([]Header, error) {
	d.fields = d.fields[:0]
	if _, err := d.dec.Write(block); err != nil {
		return nil, err
	}
	if err := d.dec.Close(); err != nil {
		return nil, err
	}
	out := make([]Header, len(d.fields))
	copy(out, d.fields)
	return out, nil
}
