package peer

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lvbealr/leech/internal/bitfield"
	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/wire"
)

// fakeSink records every callback for assertion and lets tests synchronize
// on specific events via channels.
type fakeSink struct {
	mu        sync.Mutex
	bitfields []bitfield.Bitfield
	haves     []int
	blocks    []blockCall
	unchokes  int
	chokes    int
	closedErr error

	blockCh chan blockCall
	closeCh chan error
}

type blockCall struct {
	Index, Begin int
	Data         []byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		blockCh: make(chan blockCall, 8),
		closeCh: make(chan error, 1),
	}
}

func (f *fakeSink) OnBitfield(s *Session, bf bitfield.Bitfield) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bitfields = append(f.bitfields, bf)
	return nil
}

func (f *fakeSink) OnHave(s *Session, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haves = append(f.haves, index)
	return nil
}

func (f *fakeSink) OnUnchoke(s *Session) {
	f.mu.Lock()
	f.unchokes++
	f.mu.Unlock()
}

func (f *fakeSink) OnChoke(s *Session) {
	f.mu.Lock()
	f.chokes++
	f.mu.Unlock()
}

func (f *fakeSink) OnBlock(s *Session, index, begin int, data []byte) error {
	call := blockCall{Index: index, Begin: begin, Data: append([]byte(nil), data...)}
	f.mu.Lock()
	f.blocks = append(f.blocks, call)
	f.mu.Unlock()
	f.blockCh <- call
	return nil
}

func (f *fakeSink) OnClosed(s *Session, reason error) {
	f.mu.Lock()
	f.closedErr = reason
	f.mu.Unlock()
	f.closeCh <- reason
}

type fakeAddr string

func (a fakeAddr) Network() string { return "test" }
func (a fakeAddr) String() string  { return string(a) }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.PeerIdleTimeout = 2 * time.Second
	cfg.KeepAliveInterval = 500 * time.Millisecond
	return &cfg
}

// setupSession wires a Session over one end of a net.Pipe, with the test
// driving the other end as the simulated remote peer, which performs the
// handshake itself.
func setupSession(t *testing.T, pieceCount int, ownBF bitfield.Bitfield) (*Session, net.Conn, *fakeSink) {
	t.Helper()

	clientConn, remoteConn := net.Pipe()
	infoHash := [20]byte{9, 9, 9}
	cfg := testConfig()
	sink := newFakeSink()

	type result struct {
		s   *Session
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := newSession(clientConn, fakeAddr("remote:6881"), infoHash, pieceCount, func() bitfield.Bitfield { return ownBF }, cfg, sink, nil)
		resCh <- result{s, err}
	}()

	// Act as the remote peer for the handshake.
	if _, err := wire.ReadHandshake(remoteConn); err != nil {
		t.Fatalf("remote: reading handshake: %v", err)
	}
	if err := wire.WriteHandshake(remoteConn, wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{1}}); err != nil {
		t.Fatalf("remote: writing handshake: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("newSession: %v", res.err)
	}
	return res.s, remoteConn, sink
}

func TestSessionHandshakeAndBitfield(t *testing.T) {
	s, remoteConn, sink := setupSession(t, 10, bitfield.New(10))
	defer s.Close()
	defer remoteConn.Close()

	bf := bitfield.New(10)
	bf.Set(2)
	bf.Set(5)
	if err := wire.WriteMessage(remoteConn, &wire.Message{ID: wire.BitfieldMsg, Payload: bf}); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.bitfields)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for OnBitfield")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !s.HasPiece(2) || !s.HasPiece(5) || s.HasPiece(0) {
		t.Fatalf("local bitfield mirror incorrect")
	}
	if !s.AmInterested() {
		t.Fatal("expected am_interested after peer bitfield shows pieces we lack")
	}
}

func TestSessionRejectsBadInfoHash(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	cfg := testConfig()
	sink := newFakeSink()

	errCh := make(chan error, 1)
	go func() {
		_, err := newSession(clientConn, fakeAddr("x"), [20]byte{1}, 10, func() bitfield.Bitfield { return nil }, cfg, sink, nil)
		errCh <- err
	}()

	if _, err := wire.ReadHandshake(remoteConn); err != nil {
		t.Fatalf("remote read handshake: %v", err)
	}
	_ = wire.WriteHandshake(remoteConn, wire.Handshake{InfoHash: [20]byte{2}, PeerID: [20]byte{3}})

	err := <-errCh
	if err == nil {
		t.Fatal("expected info hash mismatch error")
	}
}

func TestSessionHaveOutOfRangeDropsSession(t *testing.T) {
	s, remoteConn, sink := setupSession(t, 4, bitfield.New(4))
	defer s.Close()
	defer remoteConn.Close()

	if err := wire.WriteMessage(remoteConn, &wire.Message{ID: wire.Have, Payload: wire.HavePayload(99)}); err != nil {
		t.Fatalf("write have: %v", err)
	}

	select {
	case err := <-sink.closeCh:
		if err == nil {
			t.Fatal("expected non-nil close reason for out-of-range have")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to close")
	}
}

func TestSessionRequestPipelineAndPieceDelivery(t *testing.T) {
	s, remoteConn, sink := setupSession(t, 4, bitfield.New(4))
	defer s.Close()
	defer remoteConn.Close()

	go func() {
		msg, err := wire.ReadMessage(remoteConn, 0)
		if err != nil || msg.ID != wire.Request {
			return
		}
		idx, begin, length, _ := wire.ParseRequest(msg)
		data := make([]byte, length)
		_ = wire.WriteMessage(remoteConn, &wire.Message{ID: wire.Piece, Payload: wire.PiecePayload(idx, begin, data)})
	}()

	// Simulate unchoke so SendRequest is permitted.
	if err := wire.WriteMessage(remoteConn, &wire.Message{ID: wire.Unchoke}); err != nil {
		t.Fatalf("write unchoke: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.PeerChoking() {
		select {
		case <-deadline:
			t.Fatal("never unchoked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.SendRequest(0, 0, 16384); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case call := <-sink.blockCh:
		if call.Index != 0 || call.Begin != 0 {
			t.Fatalf("unexpected block call: %+v", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for piece delivery")
	}

	if slots := s.SpareSlots(); slots != s.cfg.PipelineDepth {
		t.Fatalf("SpareSlots = %d, want pipeline fully free after delivery", slots)
	}
}

func TestSessionSendRequestRejectsWhileChoked(t *testing.T) {
	s, remoteConn, _ := setupSession(t, 4, bitfield.New(4))
	defer s.Close()
	defer remoteConn.Close()

	if err := s.SendRequest(0, 0, 100); err == nil {
		t.Fatal("expected error requesting while choked")
	}
}

func TestSessionScoreAndPenalize(t *testing.T) {
	s, remoteConn, _ := setupSession(t, 4, bitfield.New(4))
	defer s.Close()
	defer remoteConn.Close()

	s.recordThroughput(16384, 100*time.Millisecond)
	if s.Score() <= 0 {
		t.Fatal("expected positive score after a throughput sample")
	}

	before := s.Score()
	s.Penalize()
	if s.Score() >= before {
		t.Fatal("expected Penalize to reduce score")
	}
}
