// Package wire frames and parses the BitTorrent peer wire protocol: the
// fixed 68-byte handshake and the length-prefixed message stream described
// in spec.md §4.1. The codec is pure — it never touches a socket, only
// io.Reader/io.Writer — so it can be exercised without a network.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies the nine recognized non-handshake messages.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a decoded peer message. A nil *Message represents a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

const (
	// ProtocolString is the literal protocol name sent in every handshake.
	ProtocolString = "BitTorrent protocol"
	// HandshakeLen is the fixed wire size of a handshake frame.
	HandshakeLen = 1 + 19 + 8 + 20 + 20
	// defaultMaxMessageLen bounds a single message's length prefix when the
	// caller passes 0; internal/peer passes its own tighter cap of the
	// configured block size + 9.
	defaultMaxMessageLen = 1 << 20
)

var (
	// ErrBadProtocol is returned when the handshake's protocol string or
	// length byte does not match the literal BitTorrent protocol header.
	ErrBadProtocol = errors.New("wire: bad protocol string in handshake")
	// ErrInfoHashMismatch is returned by callers comparing a received
	// handshake's info hash against the expected one.
	ErrInfoHashMismatch = errors.New("wire: info hash mismatch")
	// ErrMessageTooLarge is returned when a message's length prefix exceeds
	// the configured cap.
	ErrMessageTooLarge = errors.New("wire: message length exceeds cap")
	// ErrUnknownMessageID is returned for an id outside 0..8.
	ErrUnknownMessageID = errors.New("wire: unknown message id")
	// ErrTruncatedPayload is returned when a message's payload length does
	// not fit its type (e.g. a HAVE without exactly 4 bytes, or a CHOKE with
	// a non-empty payload).
	ErrTruncatedPayload = errors.New("wire: truncated payload")
)

// Handshake is the peer-identifying frame exchanged before any message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal serializes the handshake to its 68-byte wire form. Reserved bytes
// are always zero in this client (spec.md §4.1 — no extension bits set).
func (h Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(ProtocolString))
	copy(buf[1:20], ProtocolString)
	// buf[20:28] reserved, already zero.
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}

// ReadHandshake reads and validates a 68-byte handshake from r. It does not
// check the info hash against an expected value — callers do that (spec.md
// §4.3: "info_hash matches ours, otherwise disconnect immediately").
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: reading handshake: %w", err)
	}

	if buf[0] != byte(len(ProtocolString)) || !bytes.Equal(buf[1:20], []byte(ProtocolString)) {
		return Handshake{}, ErrBadProtocol
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// Marshal serializes m to its wire form: a 4-byte big-endian length prefix
// followed by the id byte and payload. A nil *Message encodes as a
// zero-length keep-alive.
func (m *Message) Marshal() []byte {
	if m == nil {
		return []byte{0, 0, 0, 0}
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// WriteMessage writes m (or a keep-alive, if m is nil) to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Marshal())
	return err
}

// ReadMessage reads one frame from r. It returns (nil, nil) for a
// keep-alive. maxLen bounds the length prefix; pass 0 to use the package
// default cap of 1 MiB.
func ReadMessage(r io.Reader, maxLen uint32) (*Message, error) {
	if maxLen == 0 {
		maxLen = defaultMaxMessageLen
	}

	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: reading length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}

	if length > maxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, maxLen)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: reading payload: %w", err)
	}

	id := MessageID(body[0])
	if id > Cancel {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageID, body[0])
	}

	msg := &Message{ID: id, Payload: body[1:]}
	if err := validatePayload(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func validatePayload(m *Message) error {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return fmt.Errorf("%w: %s expects an empty payload, got %d bytes", ErrTruncatedPayload, m.ID, len(m.Payload))
		}
	case Have:
		if len(m.Payload) != 4 {
			return fmt.Errorf("%w: have expects 4 bytes, got %d", ErrTruncatedPayload, len(m.Payload))
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return fmt.Errorf("%w: %s expects 12 bytes, got %d", ErrTruncatedPayload, m.ID, len(m.Payload))
		}
	case Piece:
		if len(m.Payload) < 8 {
			return fmt.Errorf("%w: piece expects at least 8 bytes, got %d", ErrTruncatedPayload, len(m.Payload))
		}
	case BitfieldMsg:
		// length is torrent-dependent; the caller validates against piece count.
	}
	return nil
}

// HavePayload builds the payload for a HAVE message.
func HavePayload(index int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(index))
	return buf
}

// ParseHave extracts the piece index from a validated HAVE message.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("wire: expected have, got %s", m.ID)
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// RequestPayload builds the payload shared by REQUEST and CANCEL messages.
func RequestPayload(index, begin, length int) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(begin))
	binary.BigEndian.PutUint32(buf[8:12], uint32(length))
	return buf
}

// ParseRequest extracts (index, begin, length) from a REQUEST or CANCEL message.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if m.ID != Request && m.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("wire: expected request/cancel, got %s", m.ID)
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// PiecePayload builds the payload for a PIECE message.
func PiecePayload(index, begin int, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(begin))
	copy(buf[8:], data)
	return buf
}

// ParsePiece extracts (index, begin, data) from a validated PIECE message.
// The returned data slice aliases the message's payload.
func ParsePiece(m *Message) (index, begin int, data []byte, err error) {
	if m.ID != Piece {
		return 0, 0, nil, fmt.Errorf("wire: expected piece, got %s", m.ID)
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}
