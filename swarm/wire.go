package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"seedbridge/bitfield"
	"seedbridge/handshake"
	"seedbridge/log"
	"seedbridge/message"

	"github.com/zeebo/bencode"
)

const keepAliveInterval = 60 * time.Second

var (
	ErrWireDestroyed        = errors.New("wire destroyed")
	ErrExtensionUnsupported = errors.New("extension not supported by peer")
	ErrBadPieceIndex        = errors.New("piece index out of range")
)

// Request is a block request received from the peer.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// WireHandler receives the events of one wire. Calls come from the wire's
// reader goroutine; OnClose is always the last one.
type WireHandler interface {
	OnBitfield(bf bitfield.Bitfield)
	OnHave(index int)
	OnInterested()
	OnNotInterested()
	OnChoke()
	OnUnchoke()
	// respond may be called from any goroutine, at most once
	OnRequest(req Request, respond func(block []byte, err error))
	OnCancel(req Request)
	OnPort(port uint16)
	OnTimeout()
	OnClose()
}

// ExtendedHandshake is the BEP 10 handshake dictionary sent by the peer.
type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size"`
	V            string         `bencode:"v"`
	Port         int            `bencode:"p"`
}

// Extension is a BEP 10 extension attached to a wire with Use.
type Extension interface {
	Name() string
	// ExtendedHandshake adds the extension's keys to our handshake.
	ExtendedHandshake(h map[string]interface{})
	OnExtendedHandshake(h *ExtendedHandshake)
	OnMessage(payload []byte)
}

type nopHandler struct{}

func (nopHandler) OnBitfield(bitfield.Bitfield) {}
func (nopHandler) OnHave(int) {}
func (nopHandler) OnInterested() {}
func (nopHandler) OnNotInterested() {}
func (nopHandler) OnChoke() {}
func (nopHandler) OnUnchoke() {}
func (nopHandler) OnRequest(Request, func([]byte, error)) {}
func (nopHandler) OnCancel(Request) {}
func (nopHandler) OnPort(uint16) {}
func (nopHandler) OnTimeout() {}
func (nopHandler) OnClose() {}

// Wire is one handshaken peer connection.
type Wire struct {
	conn   net.Conn
	swarm  *Swarm
	addr   string
	remote *handshake.Handshake

	mu             sync.Mutex
	handler        WireHandler
	exts           []Extension
	remoteExts     map[string]int
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerPieces     bitfield.Bitfield
	numPieces      int
	pending        map[Request]struct{}
	outq           []*message.Message
	timeout        time.Duration
	keepAlive      bool
	started        bool

	up   *speedometer
	down *speedometer

	wake      chan struct{}
	quit      chan struct{}
	destroyed atomic.Bool
}

func newWire(conn net.Conn, s *Swarm, addr string, remote *handshake.Handshake) *Wire {
	return &Wire{
		conn:        conn,
		swarm:       s,
		addr:        addr,
		remote:      remote,
		handler:     nopHandler{},
		remoteExts:  make(map[string]int),
		amChoking:   true,
		peerChoking: true,
		pending:     make(map[Request]struct{}),
		up:          newSpeedometer(nil),
		down:        newSpeedometer(nil),
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// RemoteAddr is ip:port of the peer; empty when unknown.
func (w *Wire) RemoteAddr() string {
	return w.addr
}

func (w *Wire) PeerID() [20]byte {
	return w.remote.PeerID
}

func (w *Wire) SupportsDHT() bool {
	return w.remote.SupportsDHT()
}

func (w *Wire) SupportsExtended() bool {
	return w.remote.SupportsExtended()
}

func (w *Wire) SetHandler(h WireHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h == nil {
		h = nopHandler{}
	}
	w.handler = h
}

func (w *Wire) getHandler() WireHandler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handler
}

// Use attaches an extension. Must be called before Start.
func (w *Wire) Use(ext Extension) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exts = append(w.exts, ext)
}

// Start sends our extended handshake and starts reading from the peer.
func (w *Wire) Start() {
	w.mu.Lock()
	if w.started || w.destroyed.Load() {
		w.mu.Unlock()
		return
	}
	w.started = true
	exts := w.exts
	w.mu.Unlock()

	if w.remote.SupportsExtended() {
		m := make(map[string]interface{})
		h := map[string]interface{}{"m": m, "v": Version}
		if port := w.swarm.Port(); port > 0 {
			h["p"] = port
		}
		for i, ext := range exts {
			m[ext.Name()] = i + 1
			ext.ExtendedHandshake(h)
		}

		if payload, err := bencode.EncodeBytes(h); err == nil {
			w.sendFront(message.CreateExtendedMessage(0, payload))
		} else {
			log.Error.Printf("Encoding extended handshake failed: %v", err)
		}
	}

	go w.writeLoop()
	go w.readLoop()
}

func (w *Wire) AmChoking() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.amChoking
}

func (w *Wire) AmInterested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.amInterested
}

func (w *Wire) PeerChoking() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peerChoking
}

func (w *Wire) PeerInterested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peerInterested
}

// PeerPieces returns a copy of the pieces the peer announced.
func (w *Wire) PeerPieces() bitfield.Bitfield {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.peerPieces.Clone()
}

// SetNumPieces bounds the piece indexes the peer may announce. Until it is
// called, haves may only grow the peer's pieces to message.MaxLength bytes.
func (w *Wire) SetNumPieces(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.numPieces = n
}

// Upload speed in bytes per second.
func (w *Wire) UploadSpeed() float64 {
	return w.up.rate()
}

// Download speed in bytes per second.
func (w *Wire) DownloadSpeed() float64 {
	return w.down.rate()
}

// Choke the peer. Requests not answered yet are dropped.
func (w *Wire) Choke() {
	w.mu.Lock()
	if w.amChoking {
		w.mu.Unlock()
		return
	}
	w.amChoking = true
	w.pending = make(map[Request]struct{})
	w.mu.Unlock()

	w.send(&message.Message{ID: message.Choke})
}

func (w *Wire) Unchoke() {
	w.mu.Lock()
	if !w.amChoking {
		w.mu.Unlock()
		return
	}
	w.amChoking = false
	w.mu.Unlock()

	w.send(&message.Message{ID: message.Unchoke})
}

func (w *Wire) Interested() {
	w.mu.Lock()
	if w.amInterested {
		w.mu.Unlock()
		return
	}
	w.amInterested = true
	w.mu.Unlock()

	w.send(&message.Message{ID: message.Interested})
}

func (w *Wire) NotInterested() {
	w.mu.Lock()
	if !w.amInterested {
		w.mu.Unlock()
		return
	}
	w.amInterested = false
	w.mu.Unlock()

	w.send(&message.Message{ID: message.NotInterested})
}

func (w *Wire) SendBitfield(bf bitfield.Bitfield) {
	w.send(message.CreateBitfieldMessage(bf))
}

// SendPort tells the peer our DHT port.
func (w *Wire) SendPort(port uint16) {
	w.send(message.CreatePortMessage(port))
}

// SendExtended sends payload to the peer's handler of extension name.
func (w *Wire) SendExtended(name string, payload []byte) error {
	w.mu.Lock()
	id, ok := w.remoteExts[name]
	w.mu.Unlock()

	if !ok || id <= 0 || id > 255 {
		return fmt.Errorf("%s: %w", name, ErrExtensionUnsupported)
	}

	if w.destroyed.Load() {
		return ErrWireDestroyed
	}

	w.send(message.CreateExtendedMessage(uint8(id), payload))
	return nil
}

// SetTimeout destroys the wire when nothing is received from the peer for d.
// Zero disables the timeout.
func (w *Wire) SetTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = d
}

// SetKeepAlive sends a keep-alive every 60 seconds while enabled.
func (w *Wire) SetKeepAlive(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keepAlive = enabled
}

// Destroy closes the connection. It is safe to call more than once.
func (w *Wire) Destroy() {
	if !w.destroyed.CompareAndSwap(false, true) {
		return
	}

	close(w.quit)
	w.conn.Close()
	w.swarm.removeWire(w)

	w.mu.Lock()
	started := w.started
	w.pending = make(map[Request]struct{})
	w.outq = nil
	w.mu.Unlock()

	// the reader reports OnClose once it exits
	if !started {
		go w.getHandler().OnClose()
	}
}

func (w *Wire) Destroyed() bool {
	return w.destroyed.Load()
}

func (w *Wire) String() string {
	if w.addr == "" {
		return fmt.Sprintf("wire %x", w.remote.PeerID[:4])
	}
	return w.addr
}

func (w *Wire) send(msg *message.Message) {
	w.mu.Lock()
	if w.destroyed.Load() {
		w.mu.Unlock()
		return
	}
	w.outq = append(w.outq, msg)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wire) sendFront(msg *message.Message) {
	w.mu.Lock()
	w.outq = append([]*message.Message{msg}, w.outq...)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wire) writeLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.quit
		cancel()
	}()

	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			w.mu.Lock()
			keepAlive := w.keepAlive
			w.mu.Unlock()

			if keepAlive {
				var msg *message.Message
				if _, err := w.conn.Write(msg.Serialize()); err != nil {
					w.Destroy()
					return
				}
			}
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if len(w.outq) == 0 {
				w.mu.Unlock()
				break
			}
			msg := w.outq[0]
			w.outq = w.outq[1:]
			w.mu.Unlock()

			n := 0
			if msg.ID == message.Piece {
				n = len(msg.Payload) - 8
				if lim := w.swarm.opts.UploadLimiter; lim != nil && n <= lim.Burst() {
					if err := lim.WaitN(ctx, n); err != nil {
						return
					}
				}
			}

			if _, err := w.conn.Write(msg.Serialize()); err != nil {
				log.Debug.Printf("Write to %s failed: %v", w, err)
				w.Destroy()
				return
			}

			if n > 0 {
				w.up.add(n)
				w.swarm.events.OnUpload(n)
			}
		}
	}
}

func (w *Wire) readLoop() {
	defer func() {
		w.Destroy()
		w.getHandler().OnClose()
	}()

	for {
		w.mu.Lock()
		timeout := w.timeout
		w.mu.Unlock()

		if timeout > 0 {
			w.conn.SetReadDeadline(time.Now().Add(timeout))
		} else {
			w.conn.SetReadDeadline(time.Time{})
		}

		msg, err := message.Read(w.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !w.destroyed.Load() {
				log.Debug.Printf("Wire %s timed out", w)
				w.getHandler().OnTimeout()
			}
			return
		}

		// keep-alive
		if msg == nil {
			continue
		}

		if err = w.handleMessage(msg); err != nil {
			log.Debug.Printf("Bad message from %s: %v", w, err)
			return
		}
	}
}

func (w *Wire) handleMessage(msg *message.Message) error {
	h := w.getHandler()

	switch msg.ID {
	case message.Choke:
		w.mu.Lock()
		w.peerChoking = true
		w.mu.Unlock()
		h.OnChoke()
	case message.Unchoke:
		w.mu.Lock()
		w.peerChoking = false
		w.mu.Unlock()
		h.OnUnchoke()
	case message.Interested:
		w.mu.Lock()
		w.peerInterested = true
		w.mu.Unlock()
		h.OnInterested()
	case message.NotInterested:
		w.mu.Lock()
		w.peerInterested = false
		w.mu.Unlock()
		h.OnNotInterested()
	case message.Have:
		index, err := message.ReadHaveMessage(msg)
		if err != nil {
			return err
		}
		w.mu.Lock()
		if index < 0 || (w.numPieces > 0 && index >= w.numPieces) || index/8 >= message.MaxLength {
			w.mu.Unlock()
			return fmt.Errorf("%w: have %d", ErrBadPieceIndex, index)
		}
		if need := index/8 + 1; need > len(w.peerPieces) {
			w.peerPieces = append(w.peerPieces, make([]byte, need-len(w.peerPieces))...)
		}
		w.peerPieces.SetPiece(index)
		w.mu.Unlock()
		h.OnHave(index)
	case message.Bitfield:
		bf := bitfield.Bitfield(msg.Payload).Clone()
		w.mu.Lock()
		w.peerPieces = bf.Clone()
		w.mu.Unlock()
		h.OnBitfield(bf)
	case message.Request:
		index, begin, length, err := message.ReadRequestMessage(msg)
		if err != nil {
			return err
		}
		req := Request{Index: index, Begin: begin, Length: length}

		w.mu.Lock()
		if w.amChoking {
			w.mu.Unlock()
			return nil
		}
		w.pending[req] = struct{}{}
		w.mu.Unlock()

		h.OnRequest(req, w.responder(req))
	case message.Cancel:
		index, begin, length, err := message.ReadRequestMessage(msg)
		if err != nil {
			return err
		}
		req := Request{Index: index, Begin: begin, Length: length}

		w.mu.Lock()
		delete(w.pending, req)
		w.mu.Unlock()
		h.OnCancel(req)
	case message.Piece:
		// never requested, only counted
		if n := len(msg.Payload) - 8; n > 0 {
			w.down.add(n)
			w.swarm.events.OnDownload(n)
		}
	case message.Port:
		port, err := message.ReadPortMessage(msg)
		if err != nil {
			return err
		}
		h.OnPort(port)
	case message.Extended:
		id, payload, err := message.ReadExtendedMessage(msg)
		if err != nil {
			return err
		}
		w.handleExtended(id, payload)
	}

	return nil
}

func (w *Wire) handleExtended(id uint8, payload []byte) {
	w.mu.Lock()
	exts := w.exts
	w.mu.Unlock()

	if id == 0 {
		eh := ExtendedHandshake{}
		if err := bencode.DecodeBytes(payload, &eh); err != nil {
			log.Debug.Printf("Bad extended handshake from %s: %v", w, err)
			return
		}

		w.mu.Lock()
		for name, remoteID := range eh.M {
			w.remoteExts[name] = remoteID
		}
		w.mu.Unlock()

		for _, ext := range exts {
			ext.OnExtendedHandshake(&eh)
		}
		return
	}

	// our ids are positions in exts, starting at 1
	if int(id) <= len(exts) {
		exts[id-1].OnMessage(payload)
	}
}

// responder answers req once, unless it was choked, cancelled or the wire
// went away in the meantime.
func (w *Wire) responder(req Request) func([]byte, error) {
	return func(block []byte, err error) {
		w.mu.Lock()
		_, ok := w.pending[req]
		delete(w.pending, req)
		w.mu.Unlock()

		if !ok {
			return
		}

		if err != nil {
			log.Debug.Printf("Dropping request %+v from %s: %v", req, w, err)
			return
		}

		w.send(message.CreatePieceMessage(req.Index, req.Begin, block))
	}
}
