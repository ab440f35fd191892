// Package peer implements one BitTorrent peer connection: handshake,
// per-peer protocol state machine, keep-alives, request pipelining, and
// throughput scoring (spec.md §4.3). Each Session owns its socket and
// local mirror state exclusively (spec.md §5) and talks to the rest of
// the client only through the Sink interface and its own exported
// command methods — never through shared mutable fields.
package peer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvbealr/leech/internal/bitfield"
	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/wire"
)

// Sink is how a Session reports events upward. internal/client implements
// it, fanning bitfield/have/unchoke/choke/piece/closed events out to the
// store and scheduler. Keeping this as an interface (rather than direct
// *store.Store/*scheduler.Scheduler fields) is what lets internal/peer be
// tested with a fake in isolation.
type Sink interface {
	// OnBitfield records a peer's full bitfield; the session has already
	// validated it against the piece count.
	OnBitfield(s *Session, bf bitfield.Bitfield) error
	// OnHave records a single piece announcement.
	OnHave(s *Session, index int) error
	// OnUnchoke/OnChoke notify the scheduler of a flow-control transition.
	OnUnchoke(s *Session)
	OnChoke(s *Session)
	// OnBlock delivers a received block to the piece store. The returned
	// error, if non-nil, is a protocol violation (e.g. out-of-range
	// index) and the session is dropped.
	OnBlock(s *Session, index, begin int, data []byte) error
	// OnClosed reports session teardown so rarity counts and in-flight
	// bookkeeping can be reclaimed.
	OnClosed(s *Session, reason error)
}

// Request identifies one outstanding block request.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Session is one peer connection and its protocol state (spec.md §3's
// "Peer Session state").
type Session struct {
	Addr   net.Addr
	PeerID [20]byte

	cfg    *config.Config
	logger *logrus.Entry
	sink   Sink
	meta   sessionMeta

	conn net.Conn

	mu              sync.Mutex
	bitfield        bitfield.Bitfield
	amChoking       bool
	amInterested    bool
	peerChoking     bool
	peerInterested  bool
	pending         map[Request]time.Time
	score           float64
	lastMessageAt   time.Time
	lastSendAt      time.Time
	healthy         bool
	closed          bool

	outbox chan *wire.Message
	done   chan struct{}
}

// sessionMeta is the handful of read-only facts a session needs about the
// torrent, passed in at construction rather than imported as a package
// dependency (keeps internal/peer decoupled from internal/metainfo).
type sessionMeta struct {
	infoHash   [20]byte
	pieceCount int
	ownBitfield func() bitfield.Bitfield // snapshot accessor, supplied by the store
}

// Dial connects to addr, performs the handshake, and returns a running
// Session. ctx bounds the connect+handshake phase only; once established
// the session runs until Close or a protocol/timeout error.
func Dial(ctx context.Context, addr net.Addr, infoHash [20]byte, pieceCount int, ownBitfield func() bitfield.Bitfield, cfg *config.Config, sink Sink, logger *logrus.Entry) (*Session, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	return newSession(conn, addr, infoHash, pieceCount, ownBitfield, cfg, sink, logger)
}

// newSession performs the handshake over an already-connected conn and
// starts the session's read/write loops. Split out from Dial so tests can
// drive a session over an in-memory net.Pipe without a real socket.
func newSession(conn net.Conn, addr net.Addr, infoHash [20]byte, pieceCount int, ownBitfield func() bitfield.Bitfield, cfg *config.Config, sink Sink, logger *logrus.Entry) (*Session, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		Addr: addr,
		cfg:  cfg,
		sink: sink,
		meta: sessionMeta{infoHash: infoHash, pieceCount: pieceCount, ownBitfield: ownBitfield},
		conn: conn,

		amChoking:   true,
		peerChoking: true,
		healthy:     true,
		pending:     make(map[Request]time.Time),

		outbox: make(chan *wire.Message, 64),
		done:   make(chan struct{}),
	}
	s.logger = logger.WithField("peer", addr.String())

	if err := s.handshake(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	s.bitfield = bitfield.New(pieceCount)
	s.lastMessageAt = time.Now()
	s.lastSendAt = time.Now()

	if own := ownBitfield(); own != nil && own.Count() > 0 {
		s.enqueue(&wire.Message{ID: wire.BitfieldMsg, Payload: append([]byte(nil), own...)})
	}

	go s.readLoop()
	go s.writeLoop()

	return s, nil
}

func (s *Session) handshake(cfg *config.Config) error {
	hs := wire.Handshake{InfoHash: s.meta.infoHash, PeerID: cfg.PeerID}

	s.conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	if err := wire.WriteHandshake(s.conn, hs); err != nil {
		return fmt.Errorf("peer: sending handshake: %w", err)
	}

	resp, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("peer: reading handshake: %w", err)
	}
	if !bytes.Equal(resp.InfoHash[:], s.meta.infoHash[:]) {
		return fmt.Errorf("peer: %w: got %x want %x", wire.ErrInfoHashMismatch, resp.InfoHash, s.meta.infoHash)
	}

	s.conn.SetDeadline(time.Time{})
	s.PeerID = resp.PeerID
	return nil
}

// maxMessageLen bounds an incoming frame to BlockSize+9: 4 for index, 4
// for begin, 1 for id, plus the block itself capped at the configured
// block size — the largest PIECE frame this client ever requests.
func (s *Session) maxMessageLen() uint32 {
	return uint32(s.cfg.BlockSize) + 9
}

// readLoop is the session's single reader: it owns s.conn's read side and
// is the only goroutine that calls wire.ReadMessage, satisfying "inbound
// messages are processed in arrival order" (spec.md §5).
func (s *Session) readLoop() {
	defer s.teardown(s.readOnce())
}

func (s *Session) readOnce() error {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PeerIdleTimeout))
		msg, err := wire.ReadMessage(s.conn, s.maxMessageLen())
		if err != nil {
			return fmt.Errorf("peer: read: %w", err)
		}

		s.mu.Lock()
		s.lastMessageAt = time.Now()
		s.mu.Unlock()

		if msg == nil {
			continue // keep-alive
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(msg *wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
		s.sink.OnChoke(s)

	case wire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.sink.OnUnchoke(s)

	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()

	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()

	case wire.Have:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return err
		}
		if index < 0 || index >= s.meta.pieceCount {
			return fmt.Errorf("peer: have index %d out of range [0,%d)", index, s.meta.pieceCount)
		}
		s.mu.Lock()
		s.bitfield.Set(index)
		s.mu.Unlock()
		if err := s.sink.OnHave(s, index); err != nil {
			return err
		}
		s.maybeBecomeInterested()

	case wire.BitfieldMsg:
		bf := bitfield.Bitfield(append([]byte(nil), msg.Payload...))
		if err := bf.Validate(s.meta.pieceCount); err != nil {
			return fmt.Errorf("peer: %w", err)
		}
		s.mu.Lock()
		s.bitfield = bf
		s.mu.Unlock()
		if err := s.sink.OnBitfield(s, bf); err != nil {
			return err
		}
		s.maybeBecomeInterested()

	case wire.Request, wire.Cancel:
		// This client never unchokes (it does not seed), so per spec.md
		// §4.3 these are simply ignored.

	case wire.Piece:
		index, begin, data, err := wire.ParsePiece(msg)
		if err != nil {
			return err
		}
		req := Request{Index: index, Begin: begin, Length: len(data)}
		s.mu.Lock()
		start, wasPending := s.pending[req]
		delete(s.pending, req)
		s.mu.Unlock()

		if err := s.sink.OnBlock(s, index, begin, data); err != nil {
			return err
		}
		if wasPending {
			s.recordThroughput(len(data), time.Since(start))
		}
		if !s.Healthy() {
			return fmt.Errorf("peer: score below health floor")
		}

	default:
		return fmt.Errorf("peer: unhandled message id %d", msg.ID)
	}

	return nil
}

func (s *Session) maybeBecomeInterested() {
	s.mu.Lock()
	already := s.amInterested
	own := s.meta.ownBitfield()
	wantAny := false
	for i := 0; i < s.meta.pieceCount; i++ {
		if s.bitfield.Has(i) && !own.Has(i) {
			wantAny = true
			break
		}
	}
	if wantAny && !already {
		s.amInterested = true
	}
	changed := wantAny && !already
	s.mu.Unlock()

	if changed {
		s.enqueue(&wire.Message{ID: wire.Interested})
	}
}

// writeLoop is the session's single writer: it owns s.conn's write side
// and drains outbox in enqueue order, satisfying "outbound messages are
// delivered in the order enqueued" (spec.md §5). It also emits keep-alives
// when idle (spec.md §4.3).
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.writeMessage(msg); err != nil {
				s.teardown(fmt.Errorf("peer: write: %w", err))
				return
			}

		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastSendAt)
			s.mu.Unlock()
			if idle >= s.cfg.KeepAliveInterval {
				if err := s.writeMessage(nil); err != nil {
					s.teardown(fmt.Errorf("peer: keep-alive write: %w", err))
					return
				}
			}

		case <-s.done:
			return
		}
	}
}

func (s *Session) writeMessage(msg *wire.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	if err := wire.WriteMessage(s.conn, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) enqueue(msg *wire.Message) {
	select {
	case s.outbox <- msg:
	case <-s.done:
	}
}

func (s *Session) teardown(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
	s.sink.OnClosed(s, reason)
}

// Close initiates a graceful shutdown of the session from the outside
// (client/scheduler driven, e.g. on overall download completion).
func (s *Session) Close() {
	s.teardown(nil)
}
