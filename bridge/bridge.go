// Package bridge keeps the torrents seeded from HTTP origins. They share one
// peer id and one DHT node.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"seedbridge/collectors"
	"seedbridge/dhtnode"
	"seedbridge/helper"
	"seedbridge/log"
	"seedbridge/metainfo"
	"seedbridge/torrent"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
)

var (
	ErrDestroyed        = errors.New("bridge destroyed")
	ErrDuplicateTorrent = errors.New("torrent already seeded")
)

type Bridge struct {
	cfg     Config
	peerID  [20]byte
	dht     *dhtnode.Node
	limiter *rate.Limiter
	ready   <-chan struct{}

	uploaded   atomic.Int64
	downloaded atomic.Int64

	mu        sync.Mutex
	torrents  []*torrent.Torrent
	destroyed bool
}

func New(cfg Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{cfg: cfg, peerID: cfg.PeerID}
	if b.peerID == [20]byte{} {
		b.peerID = helper.GeneratePeerID()
	}

	if cfg.MaxUploadRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.MaxUploadRate), max(cfg.MaxUploadRate, torrent.MaxBlockLength))
	}

	if cfg.UseDHT {
		node, err := dhtnode.New(dhtnode.Config{
			Port:           cfg.DHTPort,
			Routers:        cfg.DHTRouters,
			NumTargetPeers: cfg.DHTTargetPeers,
		})
		if err != nil {
			return nil, fmt.Errorf("creating dht node: %w", err)
		}
		if err = node.Start(); err != nil {
			return nil, fmt.Errorf("starting dht node: %w", err)
		}
		b.dht = node
		b.ready = node.Ready()
	} else {
		ready := make(chan struct{})
		close(ready)
		b.ready = ready
	}

	log.Info.Printf("New bridge with peer id %s", b.peerID[:])
	return b, nil
}

// Ready is closed once the DHT node listens, right away without DHT.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bridge) PeerID() [20]byte {
	return b.peerID
}

// DHTPort returns the shared node's UDP port, 0 without DHT.
func (b *Bridge) DHTPort() int {
	if b.dht == nil {
		return 0
	}
	return b.dht.Port()
}

// Uploaded returns the piece bytes sent by every torrent ever seeded.
func (b *Bridge) Uploaded() int64 {
	return b.uploaded.Load()
}

func (b *Bridge) Downloaded() int64 {
	return b.downloaded.Load()
}

// Seed starts seeding the content at url described by desc. The torrent
// listens for peers when Seed returns.
func (b *Bridge) Seed(url string, desc *metainfo.Descriptor) (*torrent.Torrent, error) {
	return b.SeedWithHooks(url, desc, torrent.Hooks{})
}

// SeedWithHooks is Seed with callbacks for the new torrent's events.
func (b *Bridge) SeedWithHooks(url string, desc *metainfo.Descriptor, hooks torrent.Hooks) (*torrent.Torrent, error) {
	onUpload, onDownload := hooks.OnUpload, hooks.OnDownload
	hooks.OnUpload = func(n int) {
		b.uploaded.Add(int64(n))
		if onUpload != nil {
			onUpload(n)
		}
	}
	hooks.OnDownload = func(n int) {
		b.downloaded.Add(int64(n))
		if onDownload != nil {
			onDownload(n)
		}
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, ErrDestroyed
	}
	if desc != nil && b.lookup(desc.InfoHash) != nil {
		b.mu.Unlock()
		return nil, ErrDuplicateTorrent
	}

	t, err := torrent.New(url, desc, b.torrentConfig(), hooks)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.torrents = append(b.torrents, t)
	collectors.UpdateTorrents(len(b.torrents))
	b.mu.Unlock()

	log.Info.Printf("Seeding %s from %s", desc.HexHash(), url)
	go b.watch(t)

	if err = t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Bridge) torrentConfig() torrent.Config {
	cfg := torrent.Config{
		PeerID:            b.peerID,
		Port:              b.cfg.TorrentPort,
		Tracker:           b.cfg.UseTracker,
		Announce:          b.cfg.Announce,
		UnchokeSlots:      b.cfg.UnchokeSlots,
		MaxConns:          b.cfg.MaxConns,
		MaxFetchesPerWire: b.cfg.MaxFetchesPerWire,
		FetchTimeout:      b.cfg.FetchTimeout,
		UploadLimiter:     b.limiter,
	}
	// a nil node must stay a nil interface
	if b.dht != nil {
		cfg.DHT = b.dht
	}
	return cfg
}

// watch forgets t once it is torn down, whoever did it.
func (b *Bridge) watch(t *torrent.Torrent) {
	<-t.Done()
	b.forget(t)
}

func (b *Bridge) forget(t *torrent.Torrent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, other := range b.torrents {
		if other == t {
			b.torrents = append(b.torrents[:i], b.torrents[i+1:]...)
			collectors.UpdateTorrents(len(b.torrents))
			return true
		}
	}
	return false
}

func (b *Bridge) lookup(infoHash [20]byte) *torrent.Torrent {
	for _, t := range b.torrents {
		if t.InfoHash() == infoHash {
			return t
		}
	}
	return nil
}

// Get returns the torrent seeding infoHash, nil if there is none.
func (b *Bridge) Get(infoHash [20]byte) *torrent.Torrent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(infoHash)
}

func (b *Bridge) Torrents() []*torrent.Torrent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*torrent.Torrent(nil), b.torrents...)
}

// Remove stops seeding t.
func (b *Bridge) Remove(t *torrent.Torrent) error {
	b.forget(t)
	return t.Destroy()
}

// Destroy removes every torrent and stops the DHT node. It fails when called
// twice.
func (b *Bridge) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	b.destroyed = true
	torrents := append([]*torrent.Torrent(nil), b.torrents...)
	b.mu.Unlock()

	var g multierror.Group
	for _, t := range torrents {
		t := t
		g.Go(func() error { return b.Remove(t) })
	}
	if b.dht != nil {
		g.Go(func() error {
			b.dht.Stop()
			return nil
		})
	}

	log.Info.Printf("Destroying bridge with %d torrents", len(torrents))
	return g.Wait().ErrorOrNil()
}
