package bitfield

// Sent right after the handshake to tell a peer which pieces are available.
// Pieces are zero indexed and the most significant bit comes first.
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [1 1 1 1 1 1 1 1] (only pieces in the interval [0, 7] are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// Number of bytes needed to hold n pieces.
func ByteLen(n int) int {
	return (n + 7) / 8
}

// Create an empty bitfield for n pieces.
func New(n int) Bitfield {
	return make(Bitfield, ByteLen(n))
}

// Create a bitfield for n pieces with every piece set. Spare bits in the
// last byte stay zero as required by the protocol.
func Full(n int) Bitfield {
	bf := New(n)
	for i := 0; i < n/8; i++ {
		bf[i] = 0xff
	}
	if rest := n % 8; rest != 0 {
		bf[n/8] = byte(0xff << (8 - rest))
	}
	return bf
}

// Check if piece at the given index can be sent by peer(s).
func (bf Bitfield) HasPiece(index int) bool {
	bfIndex := index / 8 // determine which byte we need
	offset := index % 8  // determine offset within that byte
	if index < 0 || bfIndex >= len(bf) {
		return false
	}

	return bf[bfIndex]>>(7-offset)&1 != 0
}

// Set piece at the given index as available to be sent by peer(s).
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}

	bf[byteIndex] |= 1 << (7 - offset)
}

// Complete reports whether bf describes exactly n pieces and has all of them.
func (bf Bitfield) Complete(n int) bool {
	if len(bf) != ByteLen(n) {
		return false
	}
	for i := 0; i < n; i++ {
		if !bf.HasPiece(i) {
			return false
		}
	}
	return true
}

func (bf Bitfield) Clone() Bitfield {
	if bf == nil {
		return nil
	}
	c := make(Bitfield, len(bf))
	copy(c, bf)
	return c
}
