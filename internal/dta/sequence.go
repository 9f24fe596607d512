package dta

import "sync/atomic"

// Sequencer hands out wrapping 8-bit sequence numbers. It is safe for
// concurrent use.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 0 and wrapping after 255.
func (s *Sequencer) Next() uint8 {
	return uint8(s.n.Add(1) - 1)
}

// Stamp encodes r with the next sequence number.
func (s *Sequencer) Stamp(r Record) []byte {
	return Encode(r, s.n.Add(1)-1)
}
