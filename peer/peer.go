package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

type Peer struct {
	IP   net.IP
	Port uint16
}

const peerSize = 6

// Unmarshal compact peers list (trackers and ut_pex).
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, peers list has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	if len(peersBinary)%peerSize != 0 {
		err := fmt.Errorf("received malformed binary of peers")
		return nil, err
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		ip := make(net.IP, 4)
		copy(ip, peersBinary[offset:offset+4])
		peers[i].IP = ip
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}

	return peers, nil
}

// Marshal peers into the compact form. Non IPv4 peers are skipped.
func Marshal(peers []Peer) []byte {
	buf := make([]byte, 0, len(peers)*peerSize)
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, ip4...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port)
	}
	return buf
}

// Return Peer ip and port with suitable format - ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Parse an ip:port address.
func Parse(addr string) (Peer, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid peer ip %q", host)
	}

	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer port %q: %w", port, err)
	}

	return Peer{IP: ip, Port: uint16(portNum)}, nil
}
