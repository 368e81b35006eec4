package tracker

import (
	"encoding/binary"
	"fmt"

	"seedbridge/helper"
)

// BEP 15 actions
const (
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

const (
	protocolID  = 0x41727101980
	connectLen  = 16
	announceLen = 98
)

var udpEvents = map[string]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

type connect struct {
	ProtocolID    uint64 // request
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte // response
}

func newConnect() *connect {
	return &connect{
		ProtocolID:    protocolID,
		Action:        actionConnect,
		TransactionID: helper.GenerateRandomID(4),
	}
}

func (c *connect) serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], c.ProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	copy(buf[12:16], c.TransactionID)
	return buf
}

func readConnect(buf []byte) (*connect, error) {
	if err := checkError(buf); err != nil {
		return nil, err
	}

	if len(buf) < connectLen {
		return nil, fmt.Errorf("connect response too short: %d bytes", len(buf))
	}

	return &connect{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: append([]byte(nil), buf[4:8]...),
		ConnectionID:  append([]byte(nil), buf[8:16]...),
	}, nil
}

type announce struct {
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte   // request
	InfoHash     [20]byte // request
	PeerID       [20]byte // request
	Downloaded   uint64   // request
	Left         uint64   // request
	Uploaded     uint64   // request
	Event        uint32   // request
	IP           uint32   // request
	Key          []byte   // request
	NumWant      int32    // request
	Port         uint16   // request

	Interval uint32 // response
	Leechers uint32 // response
	Seeders  uint32 // response
	Peers    []byte // response
}

func newAnnounce(req Request, connectionID []byte) *announce {
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}

	return &announce{
		ConnectionID:  connectionID,
		Action:        actionAnnounce,
		TransactionID: helper.GenerateRandomID(4),
		InfoHash:      req.InfoHash,
		PeerID:        req.PeerID,
		Downloaded:    uint64(req.Downloaded),
		Left:          uint64(req.Left),
		Uploaded:      uint64(req.Uploaded),
		Event:         udpEvents[req.Event],
		Key:           helper.GenerateRandomID(4),
		NumWant:       numWant,
		Port:          req.Port,
	}
}

func (a *announce) serialize() []byte {
	buf := make([]byte, announceLen)
	copy(buf[:8], a.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], a.Action)
	copy(buf[12:16], a.TransactionID)
	copy(buf[16:36], a.InfoHash[:])
	copy(buf[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], a.Left)
	binary.BigEndian.PutUint64(buf[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], a.Event)
	binary.BigEndian.PutUint32(buf[84:88], a.IP)
	copy(buf[88:92], a.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(a.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], a.Port)
	return buf
}

func readAnnounce(buf []byte) (*announce, error) {
	if err := checkError(buf); err != nil {
		return nil, err
	}

	if len(buf) < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(buf))
	}

	// the peer list is whatever follows the header, in whole 6 byte entries
	peers := buf[20:]
	peers = peers[:len(peers)-len(peers)%6]

	return &announce{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: append([]byte(nil), buf[4:8]...),
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         append([]byte(nil), peers...),
	}, nil
}

// Error packets carry a message after the action and transaction id.
func checkError(buf []byte) error {
	if len(buf) >= 8 && binary.BigEndian.Uint32(buf[0:4]) == actionError {
		return fmt.Errorf("tracker error: %s", buf[8:])
	}
	return nil
}
