package dhtnode

import (
	"strings"
	"sync"
	"sync/atomic"

	"seedbridge/log"

	"github.com/nictuku/dht"
)

type Config struct {
	// UDP port, 0 picks a free one
	Port int
	// host:port bootstrap routers
	Routers []string
	// peers wanted per lookup before the node stops searching
	NumTargetPeers int
}

// Node is one DHT node shared by every seeded torrent. Results of the
// node's single results channel are handed out per info-hash.
type Node struct {
	d *dht.DHT

	mu     sync.Mutex
	subs   map[dht.InfoHash]map[int]func(addr string)
	nextID int

	listening atomic.Bool
	port      atomic.Int64
	ready     chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	dhtConfig := dht.NewConfig()
	dhtConfig.Port = cfg.Port
	dhtConfig.SaveRoutingTable = false
	if cfg.NumTargetPeers > 0 {
		dhtConfig.NumTargetPeers = cfg.NumTargetPeers
	}
	if cfg.Routers != nil {
		dhtConfig.DHTRouters = strings.Join(cfg.Routers, ",")
	}

	d, err := dht.New(dhtConfig)
	if err != nil {
		return nil, err
	}

	return &Node{
		d:     d,
		subs:  make(map[dht.InfoHash]map[int]func(string)),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Start binds the UDP socket and starts serving the routing table.
func (n *Node) Start() error {
	if err := n.d.Start(); err != nil {
		return err
	}

	n.port.Store(int64(n.d.Port()))
	n.listening.Store(true)
	close(n.ready)
	log.Info.Printf("DHT listening on port %d", n.port.Load())

	go n.drainResults()
	return nil
}

func (n *Node) Listening() bool {
	return n.listening.Load()
}

// Ready is closed once the node listens.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Port is the UDP port of the node, 0 unless it listens.
func (n *Node) Port() int {
	if !n.Listening() {
		return 0
	}
	return int(n.port.Load())
}

// AddNode adds ip:port to the routing table.
func (n *Node) AddNode(addr string) {
	if !n.Listening() {
		return
	}
	n.d.AddNode(addr)
}

// Subscribe registers fn for peers found for infoHash. Calling the returned
// func unsubscribes.
func (n *Node) Subscribe(infoHash [20]byte, fn func(addr string)) (cancel func()) {
	ih := dht.InfoHash(infoHash[:])

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[ih] == nil {
		n.subs[ih] = make(map[int]func(string))
	}
	n.subs[ih][id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		delete(n.subs[ih], id)
		if len(n.subs[ih]) == 0 {
			delete(n.subs, ih)
		}
	}
}

// Request starts a get_peers search. With announce set, the closest nodes
// learn that we serve infoHash on port, or on the node's own port when port
// is 0.
func (n *Node) Request(infoHash [20]byte, announce bool, port int) {
	if !n.Listening() {
		return
	}
	if port <= 0 {
		port = n.Port()
	}
	n.d.PeersRequestPort(string(infoHash[:]), announce, port)
}

func (n *Node) drainResults() {
	for {
		select {
		case <-n.done:
			return
		case r := <-n.d.PeersRequestResults:
			n.dispatch(r)
		}
	}
}

func (n *Node) dispatch(results map[dht.InfoHash][]string) {
	for ih, peers := range results {
		n.mu.Lock()
		fns := make([]func(string), 0, len(n.subs[ih]))
		for _, fn := range n.subs[ih] {
			fns = append(fns, fn)
		}
		n.mu.Unlock()

		if len(fns) == 0 {
			continue
		}

		for _, x := range peers {
			addr := dht.DecodePeerAddress(x)
			for _, fn := range fns {
				fn(addr)
			}
		}
	}
}

// Stop closes the socket. The node cannot be restarted.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		if n.listening.Swap(false) {
			n.d.Stop()
		}
	})
}
