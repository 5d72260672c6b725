package session

// Bimap is a bijective mapping between request ids (assigned by whoever
// submits work to the transport) and HTTP/2 stream ids (assigned by this
// connection once a request's HEADERS frame is queued).
//
// A single structure rather than two independently-mutated maps: insert and
// remove keep both directions in lockstep so they cannot drift apart.
type Bimap struct {
	byRequest map[uint64]uint32
	byStream  map[uint32]uint64
}

func NewBimap() *Bimap {
	return &Bimap{
		byRequest: make(map[uint64]uint32),
		byStream:  make(map[uint32]uint64),
	}
}

// Insert records that requestID and streamID refer to the same logical
// request. Both ids must be currently unused in the map.
func (b *Bimap) Insert(requestID uint64, streamID uint32) {
	b.byRequest[requestID] = streamID
	b.byStream[streamID] = requestID
}

// StreamID looks up the stream id for a request id.
func (b *Bimap) StreamID(requestID uint64) (uint32, bool) {
	id, ok := b.byRequest[requestID]
	return id, ok
}

// RequestID looks up the request id for a stream id.
func (b *Bimap) RequestID(streamID uint32) (uint64, bool) {
	id, ok := b.byStream[streamID]
	return id, ok
}

// Remove deletes the entry for streamID (and, transitively, its paired
// request id) from both directions.
func (b *Bimap) Remove(streamID uint32) {
	requestID, ok := b.byStream[streamID]
	if !ok {
		return
	}
	delete(b.byStream, streamID)
	delete(b.byRequest, requestID)
}

// Len reports the number of active request/stream pairs.
func (b *Bimap) Len() int {
	return len(b.byStream)
}
