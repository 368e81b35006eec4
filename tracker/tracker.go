package tracker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"seedbridge/peer"
)

// Announce events
const (
	EventNone      = ""
	EventCompleted = "completed"
	EventStarted   = "started"
	EventStopped   = "stopped"
)

type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string
	NumWant    int
}

// Tracker reply:
//   - interval (time to announce again)
//   - peers (list of peers)
//   - seeders and leechers counts when the tracker reports them
type Response struct {
	Interval time.Duration
	Peers    []peer.Peer
	Seeders  int
	Leechers int
}

// Announce to the tracker at rawURL, picking the protocol from its scheme.
func Announce(ctx context.Context, rawURL string, req Request) (*Response, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	switch base.Scheme {
	case "http", "https":
		return httpAnnounce(ctx, base, req)
	case "udp":
		return udpAnnounce(ctx, base.Host, req)
	default:
		err := fmt.Errorf("bad or unsupported url scheme %q", base.Scheme)
		return nil, err
	}
}
