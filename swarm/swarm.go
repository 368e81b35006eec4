package swarm

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"seedbridge/handshake"
	"seedbridge/log"

	"golang.org/x/time/rate"
)

// Version is sent as "v" in the extended handshake.
const Version = "seedbridge 0.1.0"

const (
	DefaultMaxConns = 55
	dialTimeout     = 5 * time.Second
)

var ErrSwarmClosed = errors.New("swarm closed")

type Options struct {
	MaxConns int
	// shared limit on piece payload bytes, nil for none
	UploadLimiter *rate.Limiter
}

// Events of the swarm. OnWire is called for every handshaken connection;
// the receiver owns the wire from then on.
type Events interface {
	OnWire(w *Wire)
	OnUpload(n int)
	OnDownload(n int)
	OnError(err error)
}

// a known peer; wire is nil until connected
type peerState struct {
	wire *Wire
}

// Swarm manages the peer connections of one torrent.
type Swarm struct {
	infoHash [20]byte
	peerID   [20]byte
	opts     Options
	events   Events

	mu          sync.Mutex
	listener    net.Listener
	port        int
	peers       map[string]*peerState
	queue       []string
	wires       map[*Wire]struct{}
	handshaking int
	closed      bool

	// private torrents do not advertise DHT support
	private atomic.Bool

	wg sync.WaitGroup
}

func New(infoHash, peerID [20]byte, opts Options, events Events) *Swarm {
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}

	return &Swarm{
		infoHash: infoHash,
		peerID:   peerID,
		opts:     opts,
		events:   events,
		peers:    make(map[string]*peerState),
		wires:    make(map[*Wire]struct{}),
	}
}

// Listen accepts incoming peers on port, 0 picks a free one.
func (s *Swarm) Listen(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrSwarmClosed
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// SetPrivate clears the DHT bit from handshakes sent from now on.
func (s *Swarm) SetPrivate(private bool) {
	s.private.Store(private)
}

func (s *Swarm) localHandshake() *handshake.Handshake {
	h := handshake.New(s.infoHash, s.peerID)
	h.SetDHT(!s.private.Load())
	return h
}

func (s *Swarm) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// AddPeer queues ip:port for connecting. Known peers are ignored.
func (s *Swarm) AddPeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.peers[addr] != nil {
		return
	}

	s.peers[addr] = &peerState{}
	s.queue = append(s.queue, addr)
	s.drain()
}

// RemovePeer forgets addr, closing its connection if there is one.
func (s *Swarm) RemovePeer(addr string) {
	s.mu.Lock()
	p := s.peers[addr]
	if p == nil {
		s.mu.Unlock()
		return
	}
	delete(s.peers, addr)
	for i, queued := range s.queue {
		if queued == addr {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if p.wire != nil {
		p.wire.Destroy()
	}
}

// PeerConnected reports whether addr is known and whether it has a wire.
func (s *Swarm) PeerConnected(addr string) (known, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.peers[addr]
	if p == nil {
		return false, false
	}
	return true, p.wire != nil
}

// Peers waiting for a connection slot.
func (s *Swarm) NumQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Open connections, handshaking ones included.
func (s *Swarm) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshaking + len(s.wires)
}

// Handshaken connections.
func (s *Swarm) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wires)
}

// Close stops accepting and destroys every wire.
func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	ln := s.listener
	wires := make([]*Wire, 0, len(s.wires))
	for w := range s.wires {
		wires = append(wires, w)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for _, w := range wires {
		w.Destroy()
	}

	s.wg.Wait()
	return err
}

// drain dials queued peers while there is room. Called with s.mu held.
func (s *Swarm) drain() {
	for len(s.queue) > 0 && s.handshaking+len(s.wires) < s.opts.MaxConns {
		addr := s.queue[0]
		s.queue = s.queue[1:]

		s.handshaking++

		s.wg.Add(1)
		go s.dial(addr)
	}
}

func (s *Swarm) dial(addr string) {
	defer s.wg.Done()

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		log.Debug.Printf("Could not connect to %s: %v", addr, err)
		s.dropPeer(addr)
		return
	}

	remote, err := completeHandshake(conn, s.localHandshake())
	if err != nil {
		log.Debug.Printf("Could not handshake with %s: %v", addr, err)
		conn.Close()
		s.dropPeer(addr)
		return
	}

	s.addWire(newWire(conn, s, addr, remote))
}

func (s *Swarm) dropPeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handshaking--
	delete(s.peers, addr)
	if !s.closed {
		s.drain()
	}
}

func (s *Swarm) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()

			if !closed {
				s.events.OnError(err)
			}
			return
		}

		s.mu.Lock()
		if s.closed || s.handshaking+len(s.wires) >= s.opts.MaxConns {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.handshaking++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.accept(conn)
	}
}

func (s *Swarm) accept(conn net.Conn) {
	defer s.wg.Done()

	remote, err := acceptHandshake(conn, s.localHandshake())
	if err != nil {
		log.Debug.Printf("Rejected %s: %v", conn.RemoteAddr(), err)
		conn.Close()

		s.mu.Lock()
		s.handshaking--
		s.mu.Unlock()
		return
	}

	addr := conn.RemoteAddr().String()
	s.mu.Lock()
	if s.peers[addr] == nil {
		s.peers[addr] = &peerState{}
	}
	s.mu.Unlock()

	s.addWire(newWire(conn, s, addr, remote))
}

func (s *Swarm) addWire(w *Wire) {
	s.mu.Lock()
	s.handshaking--
	if s.closed {
		s.mu.Unlock()
		w.conn.Close()
		return
	}
	s.wires[w] = struct{}{}
	if p := s.peers[w.addr]; p != nil {
		p.wire = w
	}
	s.mu.Unlock()

	s.events.OnWire(w)
}

func (s *Swarm) removeWire(w *Wire) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wires[w]; !ok {
		return
	}
	delete(s.wires, w)

	if p := s.peers[w.addr]; p != nil && p.wire == w {
		delete(s.peers, w.addr)
	}

	if !s.closed {
		s.drain()
	}
}
