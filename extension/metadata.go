// Package extension implements the BEP 10 extensions attached to seeding
// wires: ut_metadata (BEP 9) and ut_pex (BEP 11).
package extension

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"sync"

	"seedbridge/log"
	"seedbridge/swarm"

	"github.com/zeebo/bencode"
)

const (
	MetadataName      = "ut_metadata"
	MetadataPieceSize = 16 * 1024
	// metadata_size above this is treated as bogus
	MaxMetadataSize = 8 * 1024 * 1024
)

const (
	msgRequest = 0
	msgData    = 1
	msgReject  = 2
)

var ErrMetadataMismatch = errors.New("metadata does not match infohash")

// Sender sends extension payloads to the remote peer. *swarm.Wire is one.
type Sender interface {
	SendExtended(name string, payload []byte) error
}

type metadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// Metadata serves our info dictionary to the peer and, when asked to, fetches
// the peer's copy.
type Metadata struct {
	infoHash   [20]byte
	sender     Sender
	onMetadata func(raw []byte)

	mu         sync.Mutex
	metadata   []byte
	remoteSize int
	fetching   bool
	requested  bool
	pieces     [][]byte
	remaining  int
}

// NewMetadata creates the extension for one wire. onMetadata is called at most
// once, with verified metadata, from the wire's reader goroutine.
func NewMetadata(infoHash [20]byte, sender Sender, onMetadata func(raw []byte)) *Metadata {
	return &Metadata{
		infoHash:   infoHash,
		sender:     sender,
		onMetadata: onMetadata,
	}
}

func (m *Metadata) Name() string {
	return MetadataName
}

// SetMetadata installs our copy of the info dictionary. Anything not matching
// the infohash is rejected.
func (m *Metadata) SetMetadata(raw []byte) error {
	if sha1.Sum(raw) != m.infoHash {
		return ErrMetadataMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.metadata == nil {
		m.metadata = append([]byte(nil), raw...)
	}
	m.fetching = false
	m.pieces = nil
	return nil
}

// Fetch asks the peer for its metadata as soon as it has told us the size.
func (m *Metadata) Fetch() {
	m.mu.Lock()
	if m.metadata != nil || m.fetching {
		m.mu.Unlock()
		return
	}
	m.fetching = true
	size := m.remoteSize
	m.mu.Unlock()

	if size > 0 {
		m.requestPieces()
	}
}

func (m *Metadata) ExtendedHandshake(h map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.metadata != nil {
		h["metadata_size"] = len(m.metadata)
	}
}

func (m *Metadata) OnExtendedHandshake(h *swarm.ExtendedHandshake) {
	if _, ok := h.M[MetadataName]; !ok {
		return
	}

	if h.MetadataSize <= 0 || h.MetadataSize > MaxMetadataSize {
		log.Debug.Printf("Ignoring metadata_size %d", h.MetadataSize)
		return
	}

	m.mu.Lock()
	m.remoteSize = h.MetadataSize
	fetching := m.fetching
	m.mu.Unlock()

	if fetching {
		m.requestPieces()
	}
}

func (m *Metadata) OnMessage(payload []byte) {
	msg, data, err := m.decode(payload)
	if err != nil {
		log.Debug.Printf("Bad ut_metadata message: %v", err)
		return
	}

	switch msg.MsgType {
	case msgRequest:
		m.serve(msg.Piece)
	case msgData:
		m.receive(msg.Piece, data)
	case msgReject:
		log.Debug.Printf("Peer rejected metadata piece %d", msg.Piece)
	}
}

func (m *Metadata) requestPieces() {
	m.mu.Lock()
	if m.requested || m.metadata != nil {
		m.mu.Unlock()
		return
	}
	m.requested = true
	n := (m.remoteSize + MetadataPieceSize - 1) / MetadataPieceSize
	m.pieces = make([][]byte, n)
	m.remaining = n
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		payload, err := bencode.EncodeBytes(metadataMessage{MsgType: msgRequest, Piece: i})
		if err != nil {
			log.Error.Printf("Encoding metadata request failed: %v", err)
			return
		}
		if err = m.sender.SendExtended(MetadataName, payload); err != nil {
			log.Debug.Printf("Requesting metadata piece %d failed: %v", i, err)
			return
		}
	}
}

func (m *Metadata) serve(piece int) {
	m.mu.Lock()
	metadata := m.metadata
	m.mu.Unlock()

	start := piece * MetadataPieceSize
	if metadata == nil || piece < 0 || start >= len(metadata) {
		payload, err := bencode.EncodeBytes(metadataMessage{MsgType: msgReject, Piece: piece})
		if err == nil {
			m.sender.SendExtended(MetadataName, payload)
		}
		return
	}

	end := min(start+MetadataPieceSize, len(metadata))
	payload, err := bencode.EncodeBytes(metadataMessage{MsgType: msgData, Piece: piece, TotalSize: len(metadata)})
	if err != nil {
		log.Error.Printf("Encoding metadata piece failed: %v", err)
		return
	}
	payload = append(payload, metadata[start:end]...)

	if err = m.sender.SendExtended(MetadataName, payload); err != nil {
		log.Debug.Printf("Sending metadata piece %d failed: %v", piece, err)
	}
}

func (m *Metadata) receive(piece int, data []byte) {
	m.mu.Lock()
	if m.metadata != nil || piece < 0 || piece >= len(m.pieces) || m.pieces[piece] != nil {
		m.mu.Unlock()
		return
	}
	m.pieces[piece] = append([]byte(nil), data...)
	m.remaining--
	if m.remaining > 0 {
		m.mu.Unlock()
		return
	}

	raw := bytes.Join(m.pieces, nil)
	if len(raw) != m.remoteSize || sha1.Sum(raw) != m.infoHash {
		log.Debug.Printf("Fetched metadata does not match %x", m.infoHash)
		m.pieces = nil
		m.mu.Unlock()
		return
	}
	m.metadata = raw
	m.fetching = false
	m.pieces = nil
	m.mu.Unlock()

	m.onMetadata(raw)
}

// pieceLen is the expected length of data piece i from the peer.
func (m *Metadata) pieceLen(piece int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := piece * MetadataPieceSize
	if piece < 0 || start >= m.remoteSize {
		return -1
	}
	return min(MetadataPieceSize, m.remoteSize-start)
}

// decode splits a message into its dictionary and, for data messages, the
// trailing metadata bytes.
func (m *Metadata) decode(payload []byte) (*metadataMessage, []byte, error) {
	msg := &metadataMessage{}
	if err := bencode.DecodeBytes(payload, msg); err == nil && msg.MsgType != msgData {
		return msg, nil, nil
	}

	// data messages have the piece appended after the dictionary, find the
	// split by trying the lengths the outstanding pieces must have
	m.mu.Lock()
	n := len(m.pieces)
	m.mu.Unlock()

	for piece := 0; piece < n; piece++ {
		size := m.pieceLen(piece)
		split := len(payload) - size
		if size < 0 || split <= 0 {
			continue
		}

		msg = &metadataMessage{}
		if err := bencode.DecodeBytes(payload[:split], msg); err == nil && msg.MsgType == msgData && msg.Piece == piece {
			return msg, payload[split:], nil
		}
	}

	return nil, nil, errors.New("cannot split data message")
}
