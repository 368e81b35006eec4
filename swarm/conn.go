package swarm

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"seedbridge/handshake"
)

var ErrSelfConnection = errors.New("connected to ourselves")

const handshakeTimeout = 5 * time.Second

// Outbound side: send our handshake first, then read the peer's.
func completeHandshake(conn net.Conn, local *handshake.Handshake) (*handshake.Handshake, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	infoHash, peerID := local.InfoHash, local.PeerID
	_, err := conn.Write(local.Serialize())
	if err != nil {
		return nil, err
	}

	result, err := handshake.Read(conn)
	if err != nil {
		return nil, err
	}

	// check if info hash sent equals to the one received
	if !bytes.Equal(result.InfoHash[:], infoHash[:]) {
		err := fmt.Errorf("expected infohash %x but got %x", infoHash, result.InfoHash)
		return nil, err
	}

	if result.PeerID == peerID {
		return nil, ErrSelfConnection
	}

	return result, nil
}

// Inbound side: the peer speaks first and picks the torrent.
func acceptHandshake(conn net.Conn, local *handshake.Handshake) (*handshake.Handshake, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	infoHash, peerID := local.InfoHash, local.PeerID

	result, err := handshake.Read(conn)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(result.InfoHash[:], infoHash[:]) {
		err := fmt.Errorf("peer asked for unknown infohash %x", result.InfoHash)
		return nil, err
	}

	if result.PeerID == peerID {
		return nil, ErrSelfConnection
	}

	if _, err = conn.Write(local.Serialize()); err != nil {
		return nil, err
	}

	return result, nil
}
