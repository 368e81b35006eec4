package bridge

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"seedbridge/config"
	"seedbridge/handshake"
	"seedbridge/helper"
	"seedbridge/message"
	"seedbridge/metainfo"
	"seedbridge/torrent"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/bencode"
)

func newContent(t *testing.T, name string, length, pieceLength int) ([]byte, *metainfo.Descriptor) {
	t.Helper()

	data := make([]byte, length)
	rand.New(rand.NewSource(int64(length))).Read(data)

	var pieces []byte
	for start := 0; start < length; start += pieceLength {
		hash := sha1.Sum(data[start:min(start+pieceLength, length)])
		pieces = append(pieces, hash[:]...)
	}

	raw, err := bencode.EncodeBytes(map[string]interface{}{
		"length":       length,
		"name":         name,
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
	return data, desc
}

func newBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { b.Destroy() })

	select {
	case <-b.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("Bridge never became ready")
	}
	return b
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

func TestNewRequiresDiscovery(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoDiscovery) {
		t.Fatalf("Expected ErrNoDiscovery, got %v", err)
	}
}

func TestNew(t *testing.T) {
	b := newBridge(t, Config{UseTracker: true, MaxUploadRate: 1000})

	peerID := b.PeerID()
	if !strings.HasPrefix(string(peerID[:]), helper.PeerIDPrefix) {
		t.Fatalf("Peer id %q lacks the client prefix", peerID[:])
	}
	if b.DHTPort() != 0 {
		t.Fatalf("DHT port %d without DHT", b.DHTPort())
	}
	if b.limiter == nil || b.limiter.Burst() != torrent.MaxBlockLength {
		t.Fatalf("Upload limiter not set up for whole blocks")
	}

	fixed := [20]byte{'-', 'T', 'T'}
	if other := newBridge(t, Config{UseTracker: true, PeerID: fixed}); other.PeerID() != fixed {
		t.Fatalf("Configured peer id ignored")
	}
}

func TestSeedAndRemove(t *testing.T) {
	b := newBridge(t, Config{UseTracker: true})
	_, desc := newContent(t, "a.bin", 40000, 16384)

	var listening int
	tor, err := b.SeedWithHooks("http://origin.test/a.bin", desc, torrent.Hooks{
		OnListening: func(port int) { listening = port },
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	if listening == 0 || tor.Port() != listening {
		t.Fatalf("Torrent listening on %d, hook got %d", tor.Port(), listening)
	}

	select {
	case <-tor.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("Torrent never became ready")
	}

	if b.Get(desc.InfoHash) != tor {
		t.Fatalf("Get did not find the seeded torrent")
	}
	if torrents := b.Torrents(); !slices.Equal([]*torrent.Torrent{tor}, torrents) {
		t.Fatalf("Torrents = %v, expected only the seeded one", torrents)
	}

	if _, err = b.Seed("http://origin.test/a.bin", desc); !errors.Is(err, ErrDuplicateTorrent) {
		t.Fatalf("Expected ErrDuplicateTorrent, got %v", err)
	}

	if err = b.Remove(tor); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !tor.Destroyed() || b.Get(desc.InfoHash) != nil || len(b.Torrents()) != 0 {
		t.Fatalf("Torrent still registered after Remove")
	}
}

func TestSeedRequiresInfoHash(t *testing.T) {
	b := newBridge(t, Config{UseTracker: true})

	if _, err := b.Seed("http://origin.test/", &metainfo.Descriptor{}); !errors.Is(err, metainfo.ErrNoInfoHash) {
		t.Fatalf("Expected ErrNoInfoHash, got %v", err)
	}
	if len(b.Torrents()) != 0 {
		t.Fatalf("Invalid torrent registered")
	}
}

func TestDestroyedTorrentIsForgotten(t *testing.T) {
	b := newBridge(t, Config{UseTracker: true})
	_, desc := newContent(t, "a.bin", 1000, 16384)

	tor, err := b.Seed("http://origin.test/a.bin", desc)
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	tor.Destroy()
	waitFor(t, "torrent removal", func() bool { return len(b.Torrents()) == 0 })
}

func TestDestroy(t *testing.T) {
	b := newBridge(t, Config{UseTracker: true})

	var torrents []*torrent.Torrent
	for i, length := range []int{1000, 2000} {
		_, desc := newContent(t, strconv.Itoa(i), length, 16384)
		tor, err := b.Seed("http://origin.test/"+strconv.Itoa(i), desc)
		if err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
		torrents = append(torrents, tor)
	}

	if err := b.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	for _, tor := range torrents {
		if !tor.Destroyed() {
			t.Fatalf("Torrent %x survived Destroy", tor.InfoHash())
		}
	}
	if len(b.Torrents()) != 0 {
		t.Fatalf("Torrents still registered after Destroy")
	}

	if err := b.Destroy(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Expected ErrDestroyed on second Destroy, got %v", err)
	}

	_, desc := newContent(t, "late", 3000, 16384)
	if _, err := b.Seed("http://origin.test/late", desc); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Expected ErrDestroyed from Seed, got %v", err)
	}
}

// readUntil skips messages until one with id arrives.
func readUntil(t *testing.T, conn net.Conn, id message.ID) *message.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := message.Read(conn)
		if err != nil {
			t.Fatalf("Waiting for id %d failed: %v", id, err)
		}
		if msg != nil && msg.ID == id {
			return msg
		}
	}
}

func TestServeFromOrigin(t *testing.T) {
	data, desc := newContent(t, "a.bin", 40000, 16384)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer origin.Close()

	b := newBridge(t, Config{UseTracker: true, UnchokeSlots: 4})
	tor, err := b.Seed(origin.URL+"/a.bin", desc)
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	<-tor.Ready()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tor.Port())))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err = conn.Write(handshake.New(desc.InfoHash, [20]byte{'-', 'T', 'T'}).Serialize()); err != nil {
		t.Fatalf("Writing handshake failed: %v", err)
	}
	if _, err = handshake.Read(conn); err != nil {
		t.Fatalf("Reading handshake failed: %v", err)
	}

	bf := readUntil(t, conn, message.Bitfield)
	if diff := cmp.Diff([]byte{0xe0}, bf.Payload); diff != "" {
		t.Fatalf("Bitfield mismatch (-want +got):\n%s", diff)
	}

	conn.Write((&message.Message{ID: message.Interested}).Serialize())
	readUntil(t, conn, message.Unchoke)

	conn.Write(message.CreateRequestMessage(2, 100, 5000).Serialize())
	piece := readUntil(t, conn, message.Piece)

	buf := make([]byte, desc.PieceLen(2))
	n, err := message.ReadPieceMessage(2, buf, piece)
	if err != nil {
		t.Fatalf("Bad piece message: %v", err)
	}
	if n != 5000 || !bytes.Equal(buf[100:5100], data[2*16384+100:2*16384+5100]) {
		t.Fatalf("Served block does not match the origin")
	}

	waitFor(t, "upload accounting", func() bool { return b.Uploaded() == 5000 && tor.Uploaded() == 5000 })
}

func TestDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	contents := `{
		"torrent_port": 6881,
		"dht": false,
		"dht_target_peers": 20,
		"announce": ["udp://tracker.test:80"],
		"unchoke_slots": 3,
		"max_upload_rate": 65536,
		"fetch_timeout": "5s"
	}`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("Writing config failed: %v", err)
	}
	config.SetFile(path)

	expected := Config{
		TorrentPort:       6881,
		UseTracker:        true,
		Announce:          []string{"udp://tracker.test:80"},
		DHTTargetPeers:    20,
		UnchokeSlots:      3,
		MaxFetchesPerWire: torrent.DefaultMaxFetchesPerWire,
		MaxUploadRate:     65536,
		FetchTimeout:      5 * time.Second,
	}
	if diff := cmp.Diff(expected, DefaultConfig()); diff != "" {
		t.Fatalf("Config mismatch (-want +got):\n%s", diff)
	}
}
