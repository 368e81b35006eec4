package swarm

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"seedbridge/bitfield"
	"seedbridge/handshake"
	"seedbridge/message"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/bencode"
)

var testInfoHash = [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}

type recordingEvents struct {
	wires   chan *Wire
	uploads chan int
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		wires:   make(chan *Wire, 4),
		uploads: make(chan int, 16),
	}
}

func (e *recordingEvents) OnWire(w *Wire) { e.wires <- w }
func (e *recordingEvents) OnUpload(n int) { e.uploads <- n }
func (e *recordingEvents) OnDownload(int) {}
func (e *recordingEvents) OnError(error) {}

type recordingHandler struct {
	nopHandler
	events chan string
	block  []byte
}

func (h *recordingHandler) OnInterested() { h.events <- "interested" }
func (h *recordingHandler) OnNotInterested() { h.events <- "not interested" }
func (h *recordingHandler) OnHave(index int) { h.events <- "have " + strconv.Itoa(index) }
func (h *recordingHandler) OnClose() { h.events <- "close" }

func (h *recordingHandler) OnBitfield(bf bitfield.Bitfield) {
	h.events <- "bitfield"
}

func (h *recordingHandler) OnRequest(req Request, respond func([]byte, error)) {
	h.events <- "request"
	respond(h.block[:req.Length], nil)
}

func expectEvent(t *testing.T, events chan string, expected string) {
	t.Helper()

	select {
	case got := <-events:
		if got != expected {
			t.Fatalf("Got event %q, expected %q", got, expected)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for %q", expected)
	}
}

func expectMessage(t *testing.T, conn net.Conn, id message.ID) *message.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := message.Read(conn)
		if err != nil {
			t.Fatalf("Reading %d failed: %v", id, err)
		}
		if msg == nil {
			continue
		}
		if msg.ID != id {
			t.Fatalf("Got %s, expected id %d", msg, id)
		}
		return msg
	}
}

func dialSwarm(t *testing.T, s *Swarm) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	remoteID := [20]byte{'-', 'T', 'T', '0', '0', '0', '0', '-'}
	if _, err = conn.Write(handshake.New(testInfoHash, remoteID).Serialize()); err != nil {
		t.Fatalf("Writing handshake failed: %v", err)
	}

	res, err := handshake.Read(conn)
	if err != nil {
		t.Fatalf("Reading handshake failed: %v", err)
	}
	if res.InfoHash != testInfoHash {
		t.Fatalf("Handshake for %x, expected %x", res.InfoHash, testInfoHash)
	}

	return conn
}

func TestWireSession(t *testing.T) {
	events := newRecordingEvents()
	s := New(testInfoHash, [20]byte{'-', 'S', 'B'}, Options{}, events)
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	conn := dialSwarm(t, s)
	defer conn.Close()

	var w *Wire
	select {
	case w = <-events.wires:
	case <-time.After(5 * time.Second):
		t.Fatalf("No wire after handshake")
	}

	h := &recordingHandler{events: make(chan string, 16), block: []byte("abcdefgh")}
	w.SetHandler(h)
	w.Start()

	msg := expectMessage(t, conn, message.Extended)
	id, payload, err := message.ReadExtendedMessage(msg)
	if err != nil || id != 0 {
		t.Fatalf("Expected extended handshake, got id %d (%v)", id, err)
	}
	var eh ExtendedHandshake
	if err = bencode.DecodeBytes(payload, &eh); err != nil {
		t.Fatalf("Decoding extended handshake failed: %v", err)
	}
	if eh.V != Version || eh.Port != s.Port() {
		t.Fatalf("Unexpected extended handshake %+v", eh)
	}

	w.Unchoke()
	expectMessage(t, conn, message.Unchoke)

	conn.Write((&message.Message{ID: message.Interested}).Serialize())
	expectEvent(t, h.events, "interested")
	if !w.PeerInterested() {
		t.Fatalf("Wire does not report peer interest")
	}

	conn.Write(message.CreateHaveMessage(12).Serialize())
	expectEvent(t, h.events, "have 12")
	if !w.PeerPieces().HasPiece(12) {
		t.Fatalf("Have did not grow the peer's pieces")
	}

	conn.Write(message.CreateRequestMessage(0, 0, 4).Serialize())
	expectEvent(t, h.events, "request")

	msg = expectMessage(t, conn, message.Piece)
	if diff := cmp.Diff(message.CreatePieceMessage(0, 0, []byte("abcd")).Payload, msg.Payload); diff != "" {
		t.Fatalf("Piece payload mismatch (-want +got):\n%s", diff)
	}

	select {
	case n := <-events.uploads:
		if n != 4 {
			t.Fatalf("Uploaded %d bytes, expected 4", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Upload was not reported")
	}

	// requests while choked never reach the handler
	w.Choke()
	expectMessage(t, conn, message.Choke)
	conn.Write(message.CreateRequestMessage(0, 0, 4).Serialize())
	conn.Write((&message.Message{ID: message.NotInterested}).Serialize())
	expectEvent(t, h.events, "not interested")

	conn.Close()
	expectEvent(t, h.events, "close")

	if n := s.NumPeers(); n != 0 {
		t.Fatalf("NumPeers = %d after close, expected 0", n)
	}
	if !w.Destroyed() {
		t.Fatalf("Wire not destroyed after the peer left")
	}
}

type cancelHandler struct {
	nopHandler
	mu      sync.Mutex
	respond func([]byte, error)
	events  chan string
}

func (h *cancelHandler) OnRequest(req Request, respond func([]byte, error)) {
	h.mu.Lock()
	h.respond = respond
	h.mu.Unlock()
	h.events <- "request"
}

func (h *cancelHandler) OnCancel(Request) { h.events <- "cancel" }
func (h *cancelHandler) OnClose() { h.events <- "close" }

func TestCancelledRequestIsDropped(t *testing.T) {
	events := newRecordingEvents()
	s := New(testInfoHash, [20]byte{'-', 'S', 'B'}, Options{}, events)
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	conn := dialSwarm(t, s)
	defer conn.Close()

	w := <-events.wires
	h := &cancelHandler{events: make(chan string, 16)}
	w.SetHandler(h)
	w.Start()
	expectMessage(t, conn, message.Extended)

	w.Unchoke()
	expectMessage(t, conn, message.Unchoke)

	req := message.CreateRequestMessage(1, 0, 4)
	conn.Write(req.Serialize())
	expectEvent(t, h.events, "request")

	conn.Write((&message.Message{ID: message.Cancel, Payload: req.Payload}).Serialize())
	expectEvent(t, h.events, "cancel")

	h.mu.Lock()
	h.respond([]byte("late"), nil)
	h.mu.Unlock()

	// the next thing on the wire must be the have, not the dropped piece
	w.send(message.CreateHaveMessage(3))
	expectMessage(t, conn, message.Have)
}

func TestDestroyBeforeStart(t *testing.T) {
	events := newRecordingEvents()
	s := New(testInfoHash, [20]byte{'-', 'S', 'B'}, Options{}, events)
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	conn := dialSwarm(t, s)
	defer conn.Close()

	w := <-events.wires
	h := &recordingHandler{events: make(chan string, 4)}
	w.SetHandler(h)

	w.Destroy()
	w.Destroy()
	expectEvent(t, h.events, "close")

	if err := w.SendExtended("ut_metadata", nil); err == nil {
		t.Fatalf("SendExtended on a destroyed wire should fail")
	}
}

func TestMaxConns(t *testing.T) {
	events := newRecordingEvents()
	s := New(testInfoHash, [20]byte{'-', 'S', 'B'}, Options{MaxConns: 1}, events)
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	conn := dialSwarm(t, s)
	defer conn.Close()
	<-events.wires

	// the listener is full, further peers are only queued
	s.AddPeer("127.0.0.1:1")
	s.AddPeer("127.0.0.1:1")

	if n := s.NumQueued(); n != 1 {
		t.Fatalf("NumQueued = %d, expected 1", n)
	}
	if n := s.NumConns(); n != 1 {
		t.Fatalf("NumConns = %d, expected 1", n)
	}
	if known, connected := s.PeerConnected("127.0.0.1:1"); !known || connected {
		t.Fatalf("PeerConnected = %v, %v, expected known and not connected", known, connected)
	}

	s.RemovePeer("127.0.0.1:1")
	if n := s.NumQueued(); n != 0 {
		t.Fatalf("NumQueued = %d after RemovePeer, expected 0", n)
	}
}

func TestSpeedometer(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newSpeedometer(func() time.Time { return now })

	s.add(500)
	s.add(500)
	if r := s.rate(); r != 200 {
		t.Fatalf("rate = %v, expected 200", r)
	}

	now = now.Add(2 * time.Second)
	s.add(1000)
	if r := s.rate(); r != 400 {
		t.Fatalf("rate = %v, expected 400", r)
	}

	now = now.Add(speedWindow * time.Second)
	if r := s.rate(); r != 0 {
		t.Fatalf("rate = %v after the window passed, expected 0", r)
	}
}

func TestHaveOutOfRange(t *testing.T) {
	testCases := []struct {
		name      string
		numPieces int
		index     int
	}{
		{"past the last piece", 3, 3},
		{"huge index before the piece count is known", 0, 0xFFFFFFF0},
	}

	for _, testCase := range testCases {
		events := newRecordingEvents()
		s := New(testInfoHash, [20]byte{'-', 'S', 'B'}, Options{}, events)
		if err := s.Listen(0); err != nil {
			t.Fatalf("Listen failed: %v", err)
		}

		conn := dialSwarm(t, s)

		w := <-events.wires
		h := &recordingHandler{events: make(chan string, 16)}
		w.SetHandler(h)
		if testCase.numPieces > 0 {
			w.SetNumPieces(testCase.numPieces)
		}
		w.Start()

		conn.Write(message.CreateHaveMessage(1).Serialize())
		expectEvent(t, h.events, "have 1")

		conn.Write(message.CreateHaveMessage(testCase.index).Serialize())
		expectEvent(t, h.events, "close")

		if !w.Destroyed() {
			t.Fatalf("%s: wire survived have %d", testCase.name, testCase.index)
		}
		if n := len(w.PeerPieces()); n != 1 {
			t.Fatalf("%s: peer pieces grew to %d bytes", testCase.name, n)
		}

		conn.Close()
		s.Close()
	}
}

func TestPrivateHandshake(t *testing.T) {
	events := newRecordingEvents()
	s := New(testInfoHash, [20]byte{'-', 'S', 'B'}, Options{}, events)
	s.SetPrivate(true)
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err = conn.Write(handshake.New(testInfoHash, [20]byte{'-', 'T', 'T'}).Serialize()); err != nil {
		t.Fatalf("Writing handshake failed: %v", err)
	}
	res, err := handshake.Read(conn)
	if err != nil {
		t.Fatalf("Reading handshake failed: %v", err)
	}

	if res.SupportsDHT() || !res.SupportsExtended() {
		t.Fatalf("Private swarm advertised reserved bits %v", res.Reserved)
	}
}
