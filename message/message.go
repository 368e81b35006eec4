package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

type ID uint8

// Keep-alives are messages of length zero.
//
// All non-keepalive messages with their IDs:
//   - choke 0 (communication channel not ready to receive messages)
//   - unchoke 1 (communication channel ready to receive messages)
//   - interested 2 (communication channel ready to send messages)
//   - not interested 3 (communication channel not ready to send messages)
//   - have 4 (piece index downloader/peer downloaded/has)
//   - bitfield 5 (encode which piece peer is able to send)
//   - request 6 (message payload of the form <index><begin><length> requesting a block)
//   - piece 7 (message payload of the form <index><begin><block> containing a block)
//   - cancel 8 (identical to request message used to cancel block requests)
//   - port 9 (DHT listen port of the sender, BEP 5)
//   - extended 20 (extension protocol message, BEP 10)
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
	Extended      ID = 20
)

// Largest frame accepted from a peer: a 128 KiB block plus the piece header,
// with room for bitfields of very large torrents.
const MaxLength = 1 << 20

// Every message is of the following form:
// | Message Length | Message ID | Optional Payload |

// Message length is not stored but is just used to parse the message.
type Message struct {
	ID      ID
	Payload []byte
}

func CreateRequestMessage(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// Extract <index><begin><length> from a REQUEST or CANCEL message.
func ReadRequestMessage(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("expected %s or %s, got %s", Request, Cancel, msg.ID)
	}

	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("expected payload of length 12, got length %d", len(msg.Payload))
	}

	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// Creates peer message with ID of 4 (HAVE).
//
// Format of the message: <length=5><id=4><payload>
func CreateHaveMessage(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// Extract payload (index) from raw HAVE message.
func ReadHaveMessage(msg *Message) (int, error) {
	if msg.ID != Have {
		return -1, fmt.Errorf("expected %s, got %s", Have, msg.ID)
	}

	if len(msg.Payload) != 4 {
		return -1, fmt.Errorf("expected payload of length 4, got length %d", len(msg.Payload))
	}

	index := int(binary.BigEndian.Uint32(msg.Payload))
	return index, nil
}

func CreateBitfieldMessage(bf []byte) *Message {
	payload := make([]byte, len(bf))
	copy(payload, bf)
	return &Message{ID: Bitfield, Payload: payload}
}

// Creates peer message with ID of 7 (PIECE).
//
// Format of the message: <length=9+X><id=7><index><begin><block>
func CreatePieceMessage(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// Extract block from raw PIECE message into buf.
func ReadPieceMessage(index int, buf []byte, msg *Message) (int, error) {
	if msg.ID != Piece {
		return 0, fmt.Errorf("expected %s, got %s", Piece, msg.ID)
	}

	if len(msg.Payload) < 8 {
		return 0, fmt.Errorf("payload too short: %d < 8", len(msg.Payload))
	}

	parsedIndex := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsedIndex != index {
		return 0, fmt.Errorf("expected index %d, got index %d", index, parsedIndex)
	}

	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin >= len(buf) {
		return 0, fmt.Errorf("begin offset is larger than payload: %d >= %d", begin, len(buf))
	}

	block := msg.Payload[8:]
	if begin+len(block) > len(buf) {
		return 0, fmt.Errorf("block length [%d] is too long for offset %d with length %d", len(block), begin, len(buf))
	}
	copy(buf[begin:], block)

	return len(block), nil
}

// Creates peer message with ID of 9 (PORT) carrying our DHT port.
func CreatePortMessage(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return &Message{ID: Port, Payload: payload}
}

func ReadPortMessage(msg *Message) (uint16, error) {
	if msg.ID != Port {
		return 0, fmt.Errorf("expected %s, got %s", Port, msg.ID)
	}

	if len(msg.Payload) != 2 {
		return 0, fmt.Errorf("expected payload of length 2, got length %d", len(msg.Payload))
	}

	return binary.BigEndian.Uint16(msg.Payload), nil
}

// Creates peer message with ID of 20 (EXTENDED).
//
// Format of the message: <length=2+X><id=20><extended id><payload>
// Extended id 0 is the extension handshake.
func CreateExtendedMessage(extendedID uint8, payload []byte) *Message {
	buf := make([]byte, 1+len(payload))
	buf[0] = extendedID
	copy(buf[1:], payload)
	return &Message{ID: Extended, Payload: buf}
}

func ReadExtendedMessage(msg *Message) (uint8, []byte, error) {
	if msg.ID != Extended {
		return 0, nil, fmt.Errorf("expected %s, got %s", Extended, msg.ID)
	}

	if len(msg.Payload) < 1 {
		return 0, nil, fmt.Errorf("extended message without extended id")
	}

	return msg.Payload[0], msg.Payload[1:], nil
}

// Put together a message.
func (msg *Message) Serialize() []byte {
	// keepalive
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1) // block + ID (1 byte)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Convert raw message into a Message struct.
func Read(r io.Reader) (*Message, error) {
	bufLen := make([]byte, 4)
	_, err := io.ReadFull(r, bufLen)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(bufLen)

	// keepalive
	if length == 0 {
		return nil, nil
	}

	if length > MaxLength {
		return nil, fmt.Errorf("message length %d exceeds maximum of %d", length, MaxLength)
	}

	payloadBuf := make([]byte, length)
	_, err = io.ReadFull(r, payloadBuf)
	if err != nil {
		return nil, err
	}

	msg := Message{
		ID:      ID(payloadBuf[0]),
		Payload: payloadBuf[1:],
	}

	return &msg, nil
}

var names = [...]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "NotInterested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
	Port:          "Port",
	Extended:      "Extended",
}

func (id ID) String() string {
	if int(id) < len(names) && names[id] != "" {
		return names[id]
	}
	return fmt.Sprintf("unknown message type with ID: %d", uint8(id))
}

func (msg *Message) String() string {
	if msg == nil {
		return "KeepAlive"
	}

	return fmt.Sprintf("%s [%d]", msg.ID, len(msg.Payload))
}
