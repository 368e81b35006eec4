package handshake

import (
	"fmt"
	"io"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - BitTorrent protocol)
//   - 8 reserved bytes for extension support (extension protocol and DHT)
//   - 20 bytes for infohash (SHA-1 of bencoded info dictionary)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

const Pstr = "BitTorrent protocol"

// length of handshake string in bytes
const Len = 68

// reserved bit positions
const (
	extendedByte = 5
	extendedBit  = 0x10
	dhtByte      = 7
	dhtBit       = 0x01
)

// Create new Handshake with given infoHash and peerID, advertising the
// extension protocol and DHT support.
func New(infoHash, peerID [20]byte) *Handshake {
	h := &Handshake{
		Pstr:     Pstr,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	h.Reserved[extendedByte] |= extendedBit
	h.Reserved[dhtByte] |= dhtBit
	return h
}

// SetDHT sets or clears the DHT support bit.
func (h *Handshake) SetDHT(enabled bool) {
	if enabled {
		h.Reserved[dhtByte] |= dhtBit
	} else {
		h.Reserved[dhtByte] &^= dhtBit
	}
}

func (h *Handshake) SupportsExtended() bool {
	return h.Reserved[extendedByte]&extendedBit != 0
}

func (h *Handshake) SupportsDHT() bool {
	return h.Reserved[dhtByte]&dhtBit != 0
}

// Put together a handshake string.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, Len)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], h.Reserved[:])
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// Convert raw handshake string into a Handshake struct.
func Read(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	_, err := io.ReadFull(r, pstrLenBuf)
	if err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(Pstr) {
		err := fmt.Errorf("pstr length should be 19 (0x13) but is %d", pstrLen)
		return nil, err
	}

	handshakeBuf := make([]byte, Len-1)
	_, err = io.ReadFull(r, handshakeBuf)
	if err != nil {
		return nil, err
	}

	h := Handshake{Pstr: string(handshakeBuf[0:pstrLen])}
	if h.Pstr != Pstr {
		return nil, fmt.Errorf("unknown protocol %q", h.Pstr)
	}
	copy(h.Reserved[:], handshakeBuf[pstrLen:pstrLen+8])
	copy(h.InfoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(h.PeerID[:], handshakeBuf[pstrLen+8+20:])

	return &h, nil
}
