package torrent

import (
	"context"
	"crypto/sha1"
	"math/rand"
	"sync"
	"testing"
	"time"

	"seedbridge/bitfield"
	"seedbridge/discovery"
	"seedbridge/metainfo"
	"seedbridge/swarm"

	"github.com/zeebo/bencode"
)

type fakeSwarm struct {
	mu        sync.Mutex
	port      int
	added     []string
	removed   []string
	known     map[string]bool // value is connected
	queued    int
	conns     int
	peers     int
	closed    int
	closeErr  error
	listenErr error
	private   bool
}

func newFakeSwarm() *fakeSwarm {
	return &fakeSwarm{known: make(map[string]bool)}
}

func (s *fakeSwarm) Listen(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenErr != nil {
		return s.listenErr
	}
	s.port = 6881
	return nil
}

func (s *fakeSwarm) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *fakeSwarm) AddPeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, addr)
}

func (s *fakeSwarm) RemovePeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, addr)
}

func (s *fakeSwarm) PeerConnected(addr string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connected, known := s.known[addr]
	return known, connected
}

func (s *fakeSwarm) SetPrivate(private bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private = private
}

func (s *fakeSwarm) isPrivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.private
}

func (s *fakeSwarm) NumQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *fakeSwarm) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *fakeSwarm) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

func (s *fakeSwarm) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

func (s *fakeSwarm) addedPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.added...)
}

func (s *fakeSwarm) removedPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

type fakeWire struct {
	mu             sync.Mutex
	addr           string
	dht            bool
	handler        swarm.WireHandler
	exts           []string
	started        bool
	amChoking      bool
	amInterested   bool
	peerInterested bool
	peerPieces     bitfield.Bitfield
	numPieces      int
	up, down       float64
	bitfields      []bitfield.Bitfield
	ports          []uint16
	timeout        time.Duration
	keepAlive      bool
	destroyed      bool
	calls          []string
}

func newFakeWire(addr string) *fakeWire {
	return &fakeWire{addr: addr, amChoking: true}
}

func (w *fakeWire) RemoteAddr() string { return w.addr }
func (w *fakeWire) SupportsDHT() bool { return w.dht }

func (w *fakeWire) SetHandler(h swarm.WireHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

func (w *fakeWire) Use(ext swarm.Extension) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exts = append(w.exts, ext.Name())
}

func (w *fakeWire) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
}

func (w *fakeWire) AmChoking() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.amChoking
}

func (w *fakeWire) AmInterested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.amInterested
}

func (w *fakeWire) PeerInterested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peerInterested
}

func (w *fakeWire) PeerPieces() bitfield.Bitfield {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peerPieces.Clone()
}

func (w *fakeWire) SetNumPieces(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.numPieces = n
}

func (w *fakeWire) UploadSpeed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.up
}

func (w *fakeWire) DownloadSpeed() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.down
}

func (w *fakeWire) Choke() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.amChoking = true
	w.calls = append(w.calls, "choke")
}

func (w *fakeWire) Unchoke() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.amChoking = false
	w.calls = append(w.calls, "unchoke")
}

func (w *fakeWire) NotInterested() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.amInterested = false
	w.calls = append(w.calls, "not interested")
}

func (w *fakeWire) SendBitfield(bf bitfield.Bitfield) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bitfields = append(w.bitfields, bf.Clone())
}

func (w *fakeWire) SendPort(port uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ports = append(w.ports, port)
}

func (w *fakeWire) SendExtended(string, []byte) error { return nil }

func (w *fakeWire) SetTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = d
}

func (w *fakeWire) SetKeepAlive(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keepAlive = enabled
}

func (w *fakeWire) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	h := w.handler
	w.mu.Unlock()

	if h != nil {
		go h.OnClose()
	}
}

func (w *fakeWire) isDestroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

func (w *fakeWire) getHandler() swarm.WireHandler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handler
}

func (w *fakeWire) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

type fakeStore struct {
	mu     sync.Mutex
	data   []byte
	piece  int
	gets   int
	closed int
	block  chan struct{} // when set, Get waits on it or the context
	ctxErr error
}

func (s *fakeStore) Get(ctx context.Context, index, offset, length int) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			s.mu.Lock()
			s.ctxErr = ctx.Err()
			s.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	start := index*s.piece + offset
	return append([]byte(nil), s.data[start:start+length]...), nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStore) numGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

type fakeDiscovery struct {
	mu      sync.Mutex
	descs   []*metainfo.Descriptor
	cfg     discovery.Config
	stopped int
}

func (d *fakeDiscovery) SetTorrent(desc *metainfo.Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descs = append(d.descs, desc)
}

func (d *fakeDiscovery) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

type fakeDHT struct {
	mu    sync.Mutex
	nodes []string
}

func (d *fakeDHT) Subscribe([20]byte, func(string)) func() { return func() {} }
func (d *fakeDHT) Request([20]byte, bool, int) {}
func (d *fakeDHT) Listening() bool { return true }
func (d *fakeDHT) Port() int { return 7000 }

func (d *fakeDHT) AddNode(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = append(d.nodes, addr)
}

// fixture is content of length bytes split into pieces of pieceLength.
type fixture struct {
	data []byte
	raw  []byte
	desc *metainfo.Descriptor
}

func newFixture(t *testing.T, length, pieceLength int) *fixture {
	t.Helper()

	data := make([]byte, length)
	rand.New(rand.NewSource(1)).Read(data)

	var pieces []byte
	for start := 0; start < length; start += pieceLength {
		hash := sha1.Sum(data[start:min(start+pieceLength, length)])
		pieces = append(pieces, hash[:]...)
	}

	raw, err := bencode.EncodeBytes(map[string]interface{}{
		"length":       length,
		"name":         "fixture.bin",
		"piece length": pieceLength,
		"pieces":       string(pieces),
	})
	if err != nil {
		t.Fatalf("Encoding info failed: %v", err)
	}

	desc, err := metainfo.ParseInfo(sha1.Sum(raw), raw)
	if err != nil {
		t.Fatalf("ParseInfo failed: %v", err)
	}

	return &fixture{data: data, raw: raw, desc: desc}
}

// magnet returns a descriptor with only the info-hash.
func (f *fixture) magnet() *metainfo.Descriptor {
	return &metainfo.Descriptor{InfoHash: f.desc.InfoHash}
}

type harness struct {
	tor       *Torrent
	swarm     *fakeSwarm
	store     *fakeStore
	discovery *fakeDiscovery
}

func newHarness(t *testing.T, f *fixture, desc *metainfo.Descriptor, cfg Config, hooks Hooks) *harness {
	t.Helper()

	h := &harness{
		swarm:     newFakeSwarm(),
		store:     &fakeStore{data: f.data, piece: f.desc.PieceLength},
		discovery: &fakeDiscovery{},
	}

	cfg.NewSwarm = func([20]byte, [20]byte, swarm.Events) Swarm { return h.swarm }
	cfg.NewStore = func(string, *metainfo.Descriptor) Store { return h.store }
	cfg.NewDiscovery = func(dcfg discovery.Config, _ discovery.Listener) Discovery {
		h.discovery.cfg = dcfg
		return h.discovery
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(42))
	}

	tor, err := New("http://origin.test/fixture.bin", desc, cfg, hooks)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tor.Destroy() })
	h.tor = tor

	return h
}

// do runs fn on the event loop and waits for it.
func (t *Torrent) do(fn func()) bool {
	finished := make(chan struct{})
	if !t.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-t.quit:
		return false
	}
}

// flush waits until everything posted so far has run on the event loop.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	if !h.tor.do(func() {}) {
		t.Fatalf("Torrent destroyed while flushing")
	}
}

func (h *harness) connect(t *testing.T, w *fakeWire) {
	t.Helper()
	if !h.tor.do(func() { h.tor.onWire(w) }) {
		t.Fatalf("Torrent destroyed while connecting %s", w.addr)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
