package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"seedbridge/log"
	"seedbridge/metainfo"
	"seedbridge/tracker"
	"seedbridge/util"

	"github.com/hashicorp/go-multierror"
)

const (
	minInterval     = 30 * time.Second
	defaultInterval = 30 * time.Minute
	retryInterval   = time.Minute
	stopTimeout     = 5 * time.Second

	DefaultDHTInterval = 15 * time.Minute
)

// DHT is the part of the shared DHT node used for lookups.
type DHT interface {
	Subscribe(infoHash [20]byte, fn func(addr string)) (cancel func())
	// port is the one peers should connect to
	Request(infoHash [20]byte, announce bool, port int)
}

type Listener interface {
	OnPeer(addr string)
	OnWarning(err error)
	OnTrackerAnnounce()
	OnDHTAnnounce()
}

type Config struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16

	// trackers to use in addition to the descriptor's announce list
	Announce []string
	Tracker  bool

	// nil disables DHT lookups
	DHT         DHT
	DHTInterval time.Duration

	// uploaded and downloaded bytes reported to trackers
	Stats func() (uploaded, downloaded int64)

	// tracker.Announce when nil
	Announcer func(ctx context.Context, url string, req tracker.Request) (*tracker.Response, error)
}

// Discovery finds peers for one torrent through trackers and the DHT.
type Discovery struct {
	cfg      Config
	listener Listener

	mu       sync.Mutex
	trackers map[string]bool
	dhtOn    bool
	started  bool
	stopped  bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cancelDHT func()
}

func New(cfg Config, listener Listener) *Discovery {
	if cfg.DHTInterval <= 0 {
		cfg.DHTInterval = DefaultDHTInterval
	}
	if cfg.Announcer == nil {
		cfg.Announcer = tracker.Announce
	}
	if cfg.Stats == nil {
		cfg.Stats = func() (int64, int64) { return 0, 0 }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		cfg:      cfg,
		listener: listener,
		trackers: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetTorrent starts announcing on the first call. Later calls pick up
// trackers that came with the metadata; private torrents never use the DHT.
func (d *Discovery) SetTorrent(desc *metainfo.Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.started = true

	if d.cfg.Tracker {
		urls := append(append([]string(nil), d.cfg.Announce...), desc.Announce...)
		for _, u := range urls {
			if d.trackers[u] {
				continue
			}
			d.trackers[u] = true

			d.wg.Add(1)
			go d.trackerLoop(u)
		}
	}

	if desc.Private && d.dhtOn {
		d.cancelDHT()
		d.dhtOn = false
	}

	if d.cfg.DHT != nil && !desc.Private && !d.dhtOn {
		d.dhtOn = true
		d.cancelDHT = d.cfg.DHT.Subscribe(d.cfg.InfoHash, d.listener.OnPeer)

		d.wg.Add(1)
		go d.dhtLoop()
	}
}

func (d *Discovery) request(event string) tracker.Request {
	uploaded, downloaded := d.cfg.Stats()

	// seeding only, nothing is ever left
	return tracker.Request{
		InfoHash:   d.cfg.InfoHash,
		PeerID:     d.cfg.PeerID,
		Port:       d.cfg.Port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       0,
		Event:      event,
	}
}

func (d *Discovery) trackerLoop(url string) {
	defer d.wg.Done()

	event := tracker.EventStarted
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-timer.C:
		}

		interval := retryInterval
		res, err := d.cfg.Announcer(d.ctx, url, d.request(event))
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.listener.OnWarning(fmt.Errorf("tracker %s: %w", url, err))
		} else {
			event = tracker.EventNone

			interval = res.Interval
			if interval == 0 {
				interval = defaultInterval
			}

			log.Debug.Printf("Tracker %s returned %d peers", url, len(res.Peers))
			for _, p := range res.Peers {
				d.listener.OnPeer(p.String())
			}
			d.listener.OnTrackerAnnounce()
		}

		if interval < minInterval {
			interval = minInterval
		}
		timer.Reset(interval)
	}
}

func (d *Discovery) dhtLoop() {
	defer d.wg.Done()

	lookup := func() {
		d.mu.Lock()
		on := d.dhtOn
		d.mu.Unlock()

		if !on {
			return
		}

		d.cfg.DHT.Request(d.cfg.InfoHash, true, int(d.cfg.Port))
		d.listener.OnDHTAnnounce()
	}

	lookup()
	util.ContextTick(d.ctx, d.cfg.DHTInterval, lookup)
}

// Stop cancels the loops and tells every tracker we are leaving. The
// stopped announces are best effort and never fail Stop.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true

	if d.dhtOn {
		d.cancelDHT()
		d.dhtOn = false
	}

	urls := make([]string, 0, len(d.trackers))
	for u := range d.trackers {
		urls = append(urls, u)
	}
	started := d.started
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	if !started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var g multierror.Group
	for _, u := range urls {
		u := u
		g.Go(func() error {
			if _, err := d.cfg.Announcer(ctx, u, d.request(tracker.EventStopped)); err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
			return nil
		})
	}
	if err := g.Wait().ErrorOrNil(); err != nil {
		log.Debug.Printf("Stopped announces failed: %v", err)
	}

	return nil
}
