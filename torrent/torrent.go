// Package torrent seeds one torrent whose content is read from an HTTP origin.
//
// Everything that touches wires, timers or fetch results runs on a single
// event loop goroutine per torrent; collaborators only post closures to it.
package torrent

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"seedbridge/bitfield"
	"seedbridge/collectors"
	"seedbridge/discovery"
	"seedbridge/httpstore"
	"seedbridge/log"
	"seedbridge/metainfo"
	"seedbridge/swarm"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
)

const (
	// peers asking for more than this are disconnected
	MaxBlockLength = 128 * 1024

	PeerTimeout     = 30 * time.Second
	ChokeTimeout    = 5 * time.Second
	RechokeInterval = 10 * time.Second

	// rechoke ticks an optimistic unchoke is kept
	optimisticDuration = 2

	DefaultUnchokeSlots      = 10
	DefaultMaxFetchesPerWire = 8
	DefaultFetchTimeout      = 30 * time.Second

	eventQueueSize = 256
)

var (
	ErrDestroyed      = errors.New("torrent destroyed")
	ErrInvalidRequest = errors.New("request outside of the torrent")
	ErrNotReady       = errors.New("metadata not known yet")
)

// Swarm is the peer connection manager of one torrent.
type Swarm interface {
	Listen(port int) error
	Port() int
	AddPeer(addr string)
	RemovePeer(addr string)
	PeerConnected(addr string) (known, connected bool)
	SetPrivate(private bool)
	NumQueued() int
	NumConns() int
	NumPeers() int
	Close() error
}

// Wire is one handshaken peer connection.
type Wire interface {
	RemoteAddr() string
	SupportsDHT() bool
	SetHandler(h swarm.WireHandler)
	Use(ext swarm.Extension)
	Start()
	AmChoking() bool
	AmInterested() bool
	PeerInterested() bool
	PeerPieces() bitfield.Bitfield
	SetNumPieces(n int)
	UploadSpeed() float64
	DownloadSpeed() float64
	Choke()
	Unchoke()
	NotInterested()
	SendBitfield(bf bitfield.Bitfield)
	SendPort(port uint16)
	SendExtended(name string, payload []byte) error
	SetTimeout(d time.Duration)
	SetKeepAlive(enabled bool)
	Destroy()
}

// DHT is the node shared by every torrent of a bridge.
type DHT interface {
	discovery.DHT
	Listening() bool
	Port() int
	AddNode(addr string)
}

type Discovery interface {
	SetTorrent(desc *metainfo.Descriptor)
	Stop() error
}

// Store reads blocks of the torrent's content.
type Store interface {
	Get(ctx context.Context, index, offset, length int) ([]byte, error)
	Close() error
}

type Config struct {
	PeerID [20]byte
	// listen port for peers, 0 picks a free one
	Port int

	// shared DHT node, nil when disabled
	DHT     DHT
	Tracker bool
	// trackers added to every torrent
	Announce []string

	// 0 keeps every peer choked
	UnchokeSlots      int
	MaxConns          int
	MaxFetchesPerWire int
	FetchTimeout      time.Duration
	ChokeTimeout      time.Duration
	UploadLimiter     *rate.Limiter
	Rand              *rand.Rand

	// defaults build the swarm, discovery and httpstore packages
	NewSwarm     func(infoHash, peerID [20]byte, events swarm.Events) Swarm
	NewDiscovery func(cfg discovery.Config, l discovery.Listener) Discovery
	NewStore     func(url string, desc *metainfo.Descriptor) Store
}

// Hooks are optional. Except for OnUpload, OnDownload and OnListening they
// are called on the event loop and must not block, so they must not call
// Destroy either.
type Hooks struct {
	OnListening       func(port int)
	OnMetadata        func()
	OnReady           func()
	OnError           func(err error)
	OnWarning         func(err error)
	OnPeer            func(addr string)
	OnWire            func(w Wire)
	OnUpload          func(n int)
	OnDownload        func(n int)
	OnTrackerAnnounce func()
	OnDHTAnnounce     func()
}

type Torrent struct {
	url      string
	infoHash [20]byte
	initial  *metainfo.Descriptor
	cfg      Config
	hooks    Hooks

	desc atomic.Pointer[metainfo.Descriptor]

	mu        sync.Mutex
	swarm     Swarm
	discovery Discovery
	store     Store
	started   bool

	uploaded   atomic.Int64
	downloaded atomic.Int64

	events    chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	ready     chan struct{}
	done      chan struct{}
	destroyed atomic.Bool

	// owned by the event loop
	listening       bool
	pending         []string
	wires           []*wireState
	bitfield        bitfield.Bitfield
	rechokeTicker   *time.Ticker
	optimistic      *wireState
	optimisticTicks int
	rand            *rand.Rand
}

// New creates a torrent seeding url. desc needs at least the info-hash; without
// the info dictionary the metadata is fetched from peers.
func New(url string, desc *metainfo.Descriptor, cfg Config, hooks Hooks) (*Torrent, error) {
	if desc == nil || desc.InfoHash == [20]byte{} {
		return nil, metainfo.ErrNoInfoHash
	}

	if cfg.MaxFetchesPerWire <= 0 {
		cfg.MaxFetchesPerWire = DefaultMaxFetchesPerWire
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.ChokeTimeout <= 0 {
		cfg.ChokeTimeout = ChokeTimeout
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.NewSwarm == nil {
		maxConns, limiter := cfg.MaxConns, cfg.UploadLimiter
		cfg.NewSwarm = func(infoHash, peerID [20]byte, events swarm.Events) Swarm {
			return swarm.New(infoHash, peerID, swarm.Options{MaxConns: maxConns, UploadLimiter: limiter}, events)
		}
	}
	if cfg.NewDiscovery == nil {
		cfg.NewDiscovery = func(dcfg discovery.Config, l discovery.Listener) Discovery {
			return discovery.New(dcfg, l)
		}
	}
	if cfg.NewStore == nil {
		timeout := cfg.FetchTimeout
		cfg.NewStore = func(url string, desc *metainfo.Descriptor) Store {
			return httpstore.New(url, int64(desc.PieceLength), desc.Length, timeout)
		}
	}

	initial := desc.Clone()
	initial.AddAnnounce(cfg.Announce...)

	t := &Torrent{
		url:      url,
		infoHash: desc.InfoHash,
		initial:  initial,
		cfg:      cfg,
		hooks:    hooks,
		events:   make(chan func(), eventQueueSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		rand:     cfg.Rand,
	}
	t.swarm = cfg.NewSwarm(t.infoHash, cfg.PeerID, swarmEvents{t})

	go t.run()
	return t, nil
}

// Start listens for peers and starts discovery.
func (t *Torrent) Start() error {
	t.mu.Lock()
	if t.started || t.destroyed.Load() {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if t.initial.Private {
		t.swarm.SetPrivate(true)
	}
	if err := t.swarm.Listen(t.cfg.Port); err != nil {
		t.fail(err)
		return err
	}
	port := t.swarm.Port()
	log.Info.Printf("Torrent %x listening on port %d", t.infoHash, port)

	dcfg := discovery.Config{
		InfoHash: t.infoHash,
		PeerID:   t.cfg.PeerID,
		Port:     uint16(port),
		Tracker:  t.cfg.Tracker,
		Stats: func() (int64, int64) {
			return t.uploaded.Load(), t.downloaded.Load()
		},
	}
	if t.cfg.DHT != nil {
		dcfg.DHT = t.cfg.DHT
	}
	d := t.cfg.NewDiscovery(dcfg, discoveryListener{t})

	t.mu.Lock()
	if t.destroyed.Load() {
		t.mu.Unlock()
		d.Stop()
		return ErrDestroyed
	}
	t.discovery = d
	t.mu.Unlock()

	if t.hooks.OnListening != nil {
		t.hooks.OnListening(port)
	}

	t.post(func() {
		t.listening = true
		for _, addr := range t.pending {
			t.addPeer(addr)
		}
		t.pending = nil

		d.SetTorrent(t.initial)
		if t.initial.HasInfo() {
			t.finalize(t.initial.Clone())
		}
	})
	return nil
}

// AddPeer connects to ip:port. Peers added before Start are kept until the
// torrent listens.
func (t *Torrent) AddPeer(addr string) bool {
	return t.post(func() {
		if !t.listening {
			t.pending = append(t.pending, addr)
			return
		}
		t.addPeer(addr)
	})
}

func (t *Torrent) addPeer(addr string) {
	t.swarm.AddPeer(addr)
	if t.hooks.OnPeer != nil {
		t.hooks.OnPeer(addr)
	}
}

func (t *Torrent) URL() string {
	return t.url
}

func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

// Descriptor returns the finalized descriptor, or the one New was given while
// the metadata is still unknown.
func (t *Torrent) Descriptor() *metainfo.Descriptor {
	if d := t.desc.Load(); d != nil {
		return d
	}
	return t.initial
}

// Ready is closed once every piece can be served.
func (t *Torrent) Ready() <-chan struct{} {
	return t.ready
}

// Done is closed when the torrent has been torn down.
func (t *Torrent) Done() <-chan struct{} {
	return t.done
}

func (t *Torrent) NumPeers() int {
	return t.swarm.NumPeers()
}

func (t *Torrent) Port() int {
	return t.swarm.Port()
}

// Uploaded returns the piece bytes sent so far.
func (t *Torrent) Uploaded() int64 {
	return t.uploaded.Load()
}

func (t *Torrent) Destroyed() bool {
	return t.destroyed.Load()
}

// Destroy tears the torrent down and returns the first error of closing its
// parts. Further calls do nothing.
func (t *Torrent) Destroy() error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.quit)

	t.mu.Lock()
	closers := []func() error{t.swarm.Close}
	if t.discovery != nil {
		closers = append(closers, t.discovery.Stop)
	}
	if t.store != nil {
		closers = append(closers, t.store.Close)
	}
	t.mu.Unlock()

	var g multierror.Group
	for _, c := range closers {
		g.Go(c)
	}
	merr := g.Wait()
	<-t.loopDone
	close(t.done)

	if merr != nil && len(merr.Errors) > 0 {
		return merr.Errors[0]
	}
	return nil
}

// fail reports err and tears the torrent down.
func (t *Torrent) fail(err error) {
	log.Error.Printf("Torrent %x failed: %v", t.infoHash, err)
	if t.hooks.OnError != nil {
		t.hooks.OnError(err)
	}
	go t.Destroy()
}

func (t *Torrent) run() {
	defer close(t.loopDone)
	defer t.stopTimers()

	for {
		var tick <-chan time.Time
		if t.rechokeTicker != nil {
			tick = t.rechokeTicker.C
		}

		select {
		case fn := <-t.events:
			fn()
		case <-tick:
			t.rechoke()
		case <-t.quit:
			return
		}
	}
}

// post runs fn on the event loop. It reports false once the torrent is gone.
func (t *Torrent) post(fn func()) bool {
	select {
	case <-t.quit:
		return false
	default:
	}

	select {
	case t.events <- fn:
		return true
	case <-t.quit:
		return false
	}
}

func (t *Torrent) stopTimers() {
	if t.rechokeTicker != nil {
		t.rechokeTicker.Stop()
		t.rechokeTicker = nil
	}
	// wires left here never see onClose
	for _, ws := range t.wires {
		ws.closed = true
		ws.stopChokeTimer()
		ws.cancel()
	}
	collectors.AddPeers(-len(t.wires))
	t.wires = nil
}

func (t *Torrent) onMetadata(raw []byte) {
	if t.desc.Load() != nil {
		return
	}

	desc, err := metainfo.ParseInfo(t.infoHash, raw)
	if err != nil {
		t.warn(err)
		return
	}
	desc.AddAnnounce(t.initial.Announce...)

	log.Info.Printf("Got metadata for %x (%s)", t.infoHash, desc.Name)
	t.mu.Lock()
	d := t.discovery
	t.mu.Unlock()
	if d != nil {
		d.SetTorrent(desc)
	}

	t.finalize(desc)
}

// finalize adopts desc and makes every piece available, once.
func (t *Torrent) finalize(desc *metainfo.Descriptor) {
	if t.desc.Load() != nil {
		return
	}
	t.desc.Store(desc)
	if desc.Private {
		t.swarm.SetPrivate(true)
	}

	store := t.cfg.NewStore(t.url, desc)
	t.mu.Lock()
	t.store = store
	t.mu.Unlock()

	// nothing is verified, the origin is trusted to serve the described bytes
	t.bitfield = bitfield.Full(desc.NumPieces())

	for _, ws := range t.wires {
		if err := ws.metadata.SetMetadata(desc.Info); err != nil {
			log.Debug.Printf("Setting metadata on %s: %v", ws, err)
		}
		t.onWireReady(ws)
	}

	t.rechokeTicker = time.NewTicker(RechokeInterval)

	if t.hooks.OnMetadata != nil {
		t.hooks.OnMetadata()
	}

	go t.post(func() {
		select {
		case <-t.ready:
			return
		default:
		}
		close(t.ready)
		log.Info.Printf("Torrent %x ready with %d pieces", t.infoHash, desc.NumPieces())
		if t.hooks.OnReady != nil {
			t.hooks.OnReady()
		}
	})
}

func (t *Torrent) warn(err error) {
	log.Warning.Printf("Torrent %x: %v", t.infoHash, err)
	if t.hooks.OnWarning != nil {
		t.hooks.OnWarning(err)
	}
}

type swarmEvents struct {
	t *Torrent
}

func (e swarmEvents) OnWire(w *swarm.Wire) {
	if !e.t.post(func() { e.t.onWire(w) }) {
		w.Destroy()
	}
}

func (e swarmEvents) OnUpload(n int) {
	e.t.uploaded.Add(int64(n))
	collectors.AddUploaded(n)
	if e.t.hooks.OnUpload != nil {
		e.t.hooks.OnUpload(n)
	}
}

func (e swarmEvents) OnDownload(n int) {
	e.t.downloaded.Add(int64(n))
	collectors.AddDownloaded(n)
	if e.t.hooks.OnDownload != nil {
		e.t.hooks.OnDownload(n)
	}
}

func (e swarmEvents) OnError(err error) {
	e.t.post(func() { e.t.fail(err) })
}

type discoveryListener struct {
	t *Torrent
}

func (l discoveryListener) OnPeer(addr string) {
	l.t.AddPeer(addr)
}

func (l discoveryListener) OnWarning(err error) {
	l.t.post(func() { l.t.warn(err) })
}

func (l discoveryListener) OnTrackerAnnounce() {
	l.t.post(func() {
		if l.t.hooks.OnTrackerAnnounce != nil {
			l.t.hooks.OnTrackerAnnounce()
		}
	})
}

func (l discoveryListener) OnDHTAnnounce() {
	l.t.post(func() {
		if l.t.hooks.OnDHTAnnounce != nil {
			l.t.hooks.OnDHTAnnounce()
		}
	})
}
