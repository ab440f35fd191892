package peer

import (
	"time"

	"github.com/lvbealr/leech/internal/wire"
)

// scoreHealthFloor marks a session unhealthy once its EWMA throughput
// score (bytes/sec) is below this after a throughput sample or a Penalize
// call. The scheduler stops giving an unhealthy session new requests, and
// the session closes itself once its next block has been delivered.
const scoreHealthFloor = 256.0

// scoreDecay is the EWMA smoothing factor applied to each new throughput
// sample.
const scoreDecay = 0.3

// scorePenaltyFactor multiplies the score down on a timeout or hash
// failure traced to this peer (spec.md §4.3/§4.5).
const scorePenaltyFactor = 0.5

// ID returns a stable identity for this session, used as a map key by the
// store/scheduler/client. The remote peer id is the natural choice; it is
// populated by the handshake before the session is handed to its sink.
func (s *Session) ID() string {
	return string(s.PeerID[:])
}

// HasPiece reports whether the peer's last-known bitfield has index set.
func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitfield.Has(index)
}

// PeerChoking reports whether the remote peer currently has us choked.
func (s *Session) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

// AmInterested reports our own interest state.
func (s *Session) AmInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amInterested
}

// Score returns the current EWMA throughput score used by the scheduler
// to rank peers (spec.md §4.3/§4.5).
func (s *Session) Score() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// Healthy reports whether the session should keep being scheduled work.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// SpareSlots returns how many more requests this session may have
// outstanding before it hits PipelineDepth (spec.md §4.3).
func (s *Session) SpareSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PipelineDepth - len(s.pending)
}

// PendingRequests returns a snapshot of this session's outstanding
// requests, used by the scheduler on Choke/disconnect to know what to
// reassign (spec.md §3/§4.3).
func (s *Session) PendingRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.pending))
	for r := range s.pending {
		out = append(out, r)
	}
	return out
}

// SendRequest issues a block request and records it as pending.
func (s *Session) SendRequest(index, begin, length int) error {
	req := Request{Index: index, Begin: begin, Length: length}

	s.mu.Lock()
	if s.peerChoking {
		s.mu.Unlock()
		return errPeerChoking
	}
	if len(s.pending) >= s.cfg.PipelineDepth {
		s.mu.Unlock()
		return errNoSpareSlots
	}
	s.pending[req] = time.Now()
	s.mu.Unlock()

	s.enqueue(&wire.Message{ID: wire.Request, Payload: wire.RequestPayload(index, begin, length)})
	return nil
}

// SendCancel sends a best-effort CANCEL and drops the local pending
// bookkeeping for (index, begin) regardless of whether the remote honours
// it (spec.md §4.5/§5: "cancel messages are best-effort").
func (s *Session) SendCancel(index, begin, length int) error {
	req := Request{Index: index, Begin: begin, Length: length}
	s.mu.Lock()
	delete(s.pending, req)
	s.mu.Unlock()

	s.enqueue(&wire.Message{ID: wire.Cancel, Payload: wire.RequestPayload(index, begin, length)})
	return nil
}

// DropPending removes req from the local pending set without sending a
// cancel — used when a block already timed out and is being reassigned,
// where a cancel was already sent or the connection is already dead.
func (s *Session) DropPending(req Request) {
	s.mu.Lock()
	delete(s.pending, req)
	s.mu.Unlock()
}

// SendNotInterested tells the peer we no longer want anything from it
// (spec.md §4.5 termination: every session sends not_interested once all
// pieces are committed).
func (s *Session) SendNotInterested() error {
	s.mu.Lock()
	s.amInterested = false
	s.mu.Unlock()
	s.enqueue(&wire.Message{ID: wire.NotInterested})
	return nil
}

// SendHave announces a newly committed piece (spec.md §4.4: "broadcast a
// have(index) to every live Peer Session").
func (s *Session) SendHave(index int) {
	s.enqueue(&wire.Message{ID: wire.Have, Payload: wire.HavePayload(index)})
}

// recordThroughput folds one delivered block into the EWMA score.
func (s *Session) recordThroughput(bytes int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	sample := float64(bytes) / elapsed.Seconds()

	s.mu.Lock()
	if s.score == 0 {
		s.score = sample
	} else {
		s.score = scoreDecay*sample + (1-scoreDecay)*s.score
	}
	if s.score < scoreHealthFloor && bytes > 0 {
		s.healthy = false
	}
	s.mu.Unlock()
}

// Penalize reduces the score after a timeout or hash failure traced to
// this peer (spec.md §4.3/§4.5/§7).
func (s *Session) Penalize() {
	s.mu.Lock()
	s.score *= scorePenaltyFactor
	if s.score < scoreHealthFloor {
		s.healthy = false
	}
	s.mu.Unlock()
}

// IdleFor returns how long it has been since the last message was
// received, for the scheduler/client's own idle bookkeeping.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastMessageAt)
}
