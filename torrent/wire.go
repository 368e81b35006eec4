package torrent

import (
	"context"
	"net"
	"strconv"
	"time"

	"seedbridge/bitfield"
	"seedbridge/collectors"
	"seedbridge/extension"
	"seedbridge/log"
	"seedbridge/swarm"
	"seedbridge/util"
)

// wireState is what the torrent keeps per wire. Only the event loop touches it.
type wireState struct {
	wire     Wire
	addr     string
	metadata *extension.Metadata

	dht        bool
	ready      bool
	unchoked   bool // first interest answered
	isSeeder   bool
	closed     bool
	chokeTimer *time.Timer
	chokeGen   int

	ctx     context.Context
	cancel  context.CancelFunc
	fetches util.Semaphore
}

func (ws *wireState) String() string {
	if ws.addr == "" {
		return "unknown peer"
	}
	return ws.addr
}

func (ws *wireState) stopChokeTimer() {
	ws.chokeGen++
	if ws.chokeTimer != nil {
		ws.chokeTimer.Stop()
		ws.chokeTimer = nil
	}
}

func (t *Torrent) onWire(w Wire) {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &wireState{
		wire:    w,
		addr:    w.RemoteAddr(),
		ctx:     ctx,
		cancel:  cancel,
		fetches: util.NewSemaphore(t.cfg.MaxFetchesPerWire),
	}
	t.wires = append(t.wires, ws)
	collectors.AddPeers(1)
	log.Debug.Printf("Got wire %s", ws)

	desc := t.desc.Load()
	private := t.initial.Private || (desc != nil && desc.Private)

	if dht := t.cfg.DHT; w.SupportsDHT() && dht != nil && dht.Listening() && !private {
		ws.dht = true
		w.SendPort(uint16(dht.Port()))
	}

	w.SetTimeout(PeerTimeout)
	w.SetKeepAlive(true)

	ws.metadata = extension.NewMetadata(t.infoHash, w, func(raw []byte) {
		t.post(func() { t.onMetadata(raw) })
	})
	if desc != nil {
		if err := ws.metadata.SetMetadata(desc.Info); err != nil {
			log.Debug.Printf("Setting metadata on %s: %v", ws, err)
		}
	} else {
		ws.metadata.Fetch()
	}
	w.Use(ws.metadata)

	// the private flag is unknown until the metadata arrives
	if !private {
		w.Use(extension.NewPex(
			func(addr string) { t.AddPeer(addr) },
			func(addr string) { t.post(func() { t.onDropped(addr) }) },
		))
	}

	w.SetHandler(&wireHandler{t: t, ws: ws})

	if t.hooks.OnWire != nil {
		t.hooks.OnWire(w)
	}

	w.Start()

	if desc != nil {
		t.onWireReady(ws)
	}
}

// onDropped forgets a peer another peer saw leave, unless we are talking to it.
func (t *Torrent) onDropped(addr string) {
	if known, connected := t.swarm.PeerConnected(addr); known && !connected {
		log.Debug.Printf("Dropping queued peer %s", addr)
		t.swarm.RemovePeer(addr)
	}
}

// onWireReady runs once per wire after the metadata is known.
func (t *Torrent) onWireReady(ws *wireState) {
	if ws.ready || ws.closed {
		return
	}
	ws.ready = true

	ws.wire.SetNumPieces(t.desc.Load().NumPieces())
	ws.wire.SendBitfield(t.bitfield)
	t.armChokeTimer(ws)

	if ws.wire.PeerInterested() {
		t.onInterested(ws)
	}

	t.updateSeeder(ws, ws.wire.PeerPieces())
}

func (t *Torrent) onInterested(ws *wireState) {
	if !ws.ready || ws.unchoked {
		return
	}
	ws.unchoked = true

	if !ws.isSeeder {
		ws.wire.Unchoke()
	}
}

// updateSeeder marks the wire as a seeder the first time it has every piece.
func (t *Torrent) updateSeeder(ws *wireState, pieces bitfield.Bitfield) {
	if ws.isSeeder || !ws.ready {
		return
	}

	desc := t.desc.Load()
	if desc == nil || !pieces.Complete(desc.NumPieces()) {
		return
	}

	log.Debug.Printf("Wire %s is a seeder", ws)
	ws.isSeeder = true
	ws.wire.Choke()
	if t.optimistic == ws {
		t.optimistic = nil
	}
}

// update goes over the wires after their pieces changed. We have everything,
// so there is never a reason to be interested.
func (t *Torrent) update() {
	for _, i := range t.rand.Perm(len(t.wires)) {
		ws := t.wires[i]
		if !ws.closed && ws.wire.AmInterested() {
			ws.wire.NotInterested()
		}
	}
}

func (t *Torrent) armChokeTimer(ws *wireState) {
	ws.stopChokeTimer()
	gen := ws.chokeGen
	ws.chokeTimer = time.AfterFunc(t.cfg.ChokeTimeout, func() {
		t.post(func() {
			if ws.chokeGen == gen {
				t.onChokeTimeout(ws)
			}
		})
	})
}

// onChokeTimeout drops the wire when many peers wait for a connection slot and
// this one keeps us choked.
func (t *Torrent) onChokeTimeout(ws *wireState) {
	if ws.closed {
		return
	}

	queued, conns, peers := t.swarm.NumQueued(), t.swarm.NumConns(), t.swarm.NumPeers()
	if queued > 2*(conns-peers) && ws.wire.AmInterested() {
		log.Debug.Printf("Wire %s kept us choked, disconnecting", ws)
		collectors.IncrementDestroyedWires(collectors.ReasonChokeTimeout)
		ws.wire.Destroy()
		return
	}

	t.armChokeTimer(ws)
}

func (t *Torrent) onRequest(ws *wireState, req swarm.Request, respond func([]byte, error)) {
	if req.Length > MaxBlockLength {
		log.Debug.Printf("Wire %s requested %d bytes, disconnecting", ws, req.Length)
		collectors.IncrementDestroyedWires(collectors.ReasonOversized)
		ws.wire.Destroy()
		return
	}

	desc := t.desc.Load()
	if !ws.ready || desc == nil {
		respond(nil, ErrNotReady)
		return
	}

	if req.Index < 0 || req.Begin < 0 || req.Length <= 0 || req.Begin+req.Length > desc.PieceLen(req.Index) {
		respond(nil, ErrInvalidRequest)
		return
	}

	t.mu.Lock()
	store := t.store
	t.mu.Unlock()

	go func() {
		if !util.TryTakeSemaphore(ws.ctx, ws.fetches) {
			return
		}
		defer util.ReturnSemaphore(ws.fetches)

		ctx, cancel := context.WithTimeout(ws.ctx, t.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		block, err := store.Get(ctx, req.Index, req.Begin, req.Length)
		collectors.UpdateFetchTime(time.Since(start))
		if err != nil {
			collectors.IncrementFetchErrors()
			log.Debug.Printf("Fetching %+v failed: %v", req, err)
		}

		t.post(func() {
			// late results for closed wires are dropped
			if !ws.closed {
				respond(block, err)
			}
		})
	}()
}

func (t *Torrent) onPort(ws *wireState, port uint16) {
	if !ws.dht {
		return
	}

	if ws.addr == "" {
		log.Debug.Printf("Ignoring port from peer with no address")
		return
	}

	host, _, err := net.SplitHostPort(ws.addr)
	if err != nil {
		return
	}
	t.cfg.DHT.AddNode(net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func (t *Torrent) onClose(ws *wireState) {
	if ws.closed {
		return
	}
	ws.closed = true
	ws.cancel()
	ws.stopChokeTimer()
	collectors.AddPeers(-1)

	for i, other := range t.wires {
		if other == ws {
			t.wires = append(t.wires[:i], t.wires[i+1:]...)
			break
		}
	}

	if t.optimistic == ws {
		t.optimistic = nil
	}
	log.Debug.Printf("Wire %s closed", ws)
}

// wireHandler moves wire events onto the event loop.
type wireHandler struct {
	t  *Torrent
	ws *wireState
}

func (h *wireHandler) OnBitfield(bf bitfield.Bitfield) {
	h.t.post(func() {
		h.t.updateSeeder(h.ws, bf)
		h.t.update()
	})
}

func (h *wireHandler) OnHave(int) {
	h.t.post(func() {
		h.t.updateSeeder(h.ws, h.ws.wire.PeerPieces())
		h.t.update()
	})
}

func (h *wireHandler) OnInterested() {
	h.t.post(func() { h.t.onInterested(h.ws) })
}

func (h *wireHandler) OnNotInterested() {}

func (h *wireHandler) OnChoke() {
	h.t.post(func() {
		if h.ws.ready && !h.ws.closed {
			h.t.armChokeTimer(h.ws)
		}
	})
}

func (h *wireHandler) OnUnchoke() {
	h.t.post(func() {
		h.ws.stopChokeTimer()
		h.t.update()
	})
}

func (h *wireHandler) OnRequest(req swarm.Request, respond func([]byte, error)) {
	if !h.t.post(func() { h.t.onRequest(h.ws, req, respond) }) {
		respond(nil, ErrDestroyed)
	}
}

func (h *wireHandler) OnCancel(swarm.Request) {}

func (h *wireHandler) OnPort(port uint16) {
	h.t.post(func() { h.t.onPort(h.ws, port) })
}

func (h *wireHandler) OnTimeout() {
	h.t.post(func() {
		log.Debug.Printf("Wire %s timed out", h.ws)
		collectors.IncrementDestroyedWires(collectors.ReasonTimeout)
		h.ws.wire.Destroy()
	})
}

func (h *wireHandler) OnClose() {
	// the loop may be gone already, the timers are stopped either way
	if !h.t.post(func() { h.t.onClose(h.ws) }) {
		h.ws.cancel()
	}
}
