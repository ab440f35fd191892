// Package scheduler implements the download driver (spec.md §4.5): it
// picks which block to request from which peer at each of the five
// decision points (peer admitted, peer unchoked, block completed, block
// timeout, periodic safety tick), applying rarest-first piece selection
// with top-k randomisation and endgame duplication. The teacher's
// lvbealr-BitTorrent/torrent/p2p.go picks the first available piece in
// bitfield order under one DownloadMutex; this package generalises that
// shape to rarity-ordered selection while keeping its "claim under lock,
// request, release" rhythm.
package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/store"
)

// PeerHandle is everything the scheduler needs from a peer connection.
// *peer.Session satisfies it; the interface exists so the scheduler can
// be tested against a fake without a real socket.
type PeerHandle interface {
	ID() string
	Score() float64
	Healthy() bool
	PeerChoking() bool
	AmInterested() bool
	HasPiece(index int) bool
	SpareSlots() int
	PendingRequests() []peer.Request
	SendRequest(index, begin, length int) error
	SendCancel(index, begin, length int) error
	SendNotInterested() error
	SendHave(index int)
	DropPending(req peer.Request)
	Penalize()
}

type assignKey struct {
	index int
	begin int
}

type assignmentRecord struct {
	peerID string
	at     time.Time
}

// Scheduler routes block requests to peers and reclaims lost work. All of
// its mutable state (the peer registry and the assignment clock used for
// timeout detection) lives behind one mutex, the same "dedicated lock
// scope" shape as internal/store.
type Scheduler struct {
	cfg    *config.Config
	st     *store.Store
	logger *logrus.Entry

	mu          sync.Mutex
	peers       map[string]PeerHandle
	assignments map[assignKey][]assignmentRecord
	chokedAt    map[string]time.Time
}

// New builds a Scheduler driving st under cfg's tunables.
func New(cfg *config.Config, st *store.Store, logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		cfg:         cfg,
		st:          st,
		logger:      logger.WithField("component", "scheduler"),
		peers:       make(map[string]PeerHandle),
		assignments: make(map[assignKey][]assignmentRecord),
		chokedAt:    make(map[string]time.Time),
	}
}

// AddPeer registers a newly admitted session (decision point 1: "peer
// admitted").
func (sc *Scheduler) AddPeer(p PeerHandle) {
	sc.mu.Lock()
	sc.peers[p.ID()] = p
	sc.mu.Unlock()
}

// RemovePeer drops a peer from the registry and releases any assignment
// bookkeeping for it; the caller is responsible for also telling the
// store the peer is gone (store.OnPeerGone) so rarity/in-flight state is
// reclaimed.
func (sc *Scheduler) RemovePeer(peerID string) {
	sc.mu.Lock()
	delete(sc.peers, peerID)
	delete(sc.chokedAt, peerID)
	for key, recs := range sc.assignments {
		kept := recs[:0]
		for _, r := range recs {
			if r.peerID != peerID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(sc.assignments, key)
		} else {
			sc.assignments[key] = kept
		}
	}
	sc.mu.Unlock()
}

// PeerCount reports how many peers are currently registered.
func (sc *Scheduler) PeerCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.peers)
}

func (sc *Scheduler) endgame() bool {
	return sc.st.UnfinishedCount() < sc.cfg.EndgameThreshold
}

func (sc *Scheduler) recordAssignment(index, begin int, peerID string) {
	key := assignKey{index, begin}
	sc.mu.Lock()
	sc.assignments[key] = append(sc.assignments[key], assignmentRecord{peerID: peerID, at: time.Now()})
	sc.mu.Unlock()
}

func (sc *Scheduler) clearAssignment(index, begin int, peerID string) {
	key := assignKey{index, begin}
	sc.mu.Lock()
	recs := sc.assignments[key]
	kept := recs[:0]
	for _, r := range recs {
		if r.peerID != peerID {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(sc.assignments, key)
	} else {
		sc.assignments[key] = kept
	}
	sc.mu.Unlock()
}

// OnUnchoke fills the newly-unchoked peer's pipeline (decision point 2).
func (sc *Scheduler) OnUnchoke(p PeerHandle) {
	sc.mu.Lock()
	delete(sc.chokedAt, p.ID())
	sc.mu.Unlock()
	sc.fillPeer(p)
}

// OnChoke records when a peer choked us, so Tick can reassign its
// outstanding requests after cfg.ChokeGrace instead of waiting the full
// block timeout (spec.md §4.3).
func (sc *Scheduler) OnChoke(p PeerHandle) {
	sc.mu.Lock()
	sc.chokedAt[p.ID()] = time.Now()
	sc.mu.Unlock()
}

// OnAvailabilityChanged re-evaluates a peer's pipeline after a bitfield
// or have message widened what it can offer, if it's already unchoked.
func (sc *Scheduler) OnAvailabilityChanged(p PeerHandle) {
	if !p.PeerChoking() {
		sc.fillPeer(p)
	}
}

// OnBlockCompleted is called once a delivered block has been handed to
// the store. It cancels any endgame rivals for the same block and tops
// the delivering peer's pipeline back up (decision point 3).
func (sc *Scheduler) OnBlockCompleted(p PeerHandle, index, begin, length int, rivals []string) {
	sc.clearAssignment(index, begin, p.ID())
	if len(rivals) > 0 {
		sc.mu.Lock()
		rivalHandles := make([]PeerHandle, 0, len(rivals))
		for _, id := range rivals {
			if h, ok := sc.peers[id]; ok {
				rivalHandles = append(rivalHandles, h)
			}
			sc.clearAssignmentLocked(index, begin, id)
		}
		sc.mu.Unlock()
		for _, h := range rivalHandles {
			_ = h.SendCancel(index, begin, length)
			h.DropPending(peer.Request{Index: index, Begin: begin, Length: length})
		}
	}
	sc.fillPeer(p)
}

func (sc *Scheduler) clearAssignmentLocked(index, begin int, peerID string) {
	key := assignKey{index, begin}
	recs := sc.assignments[key]
	kept := recs[:0]
	for _, r := range recs {
		if r.peerID != peerID {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(sc.assignments, key)
	} else {
		sc.assignments[key] = kept
	}
}

// OnVerifyFailed applies the peer score penalty after a piece fails hash
// verification with a single contributing peer (spec.md §4.4).
func (sc *Scheduler) OnVerifyFailed(solePeerID string) {
	if solePeerID == "" {
		return
	}
	sc.mu.Lock()
	p, ok := sc.peers[solePeerID]
	sc.mu.Unlock()
	if ok {
		p.Penalize()
	}
}

// BroadcastHave announces a newly committed piece to every registered
// peer (spec.md §4.4: "broadcast a have(index) to every live Peer
// Session").
func (sc *Scheduler) BroadcastHave(index int) {
	sc.mu.Lock()
	handles := make([]PeerHandle, 0, len(sc.peers))
	for _, p := range sc.peers {
		handles = append(handles, p)
	}
	sc.mu.Unlock()

	for _, p := range handles {
		p.SendHave(index)
	}
}

// Terminate tells every registered peer we're no longer interested
// (spec.md §4.5: "each Peer Session sends not_interested, closes
// cleanly"). It does not check the store; Client.shutdown calls it on
// every exit from the download loop, finished or not.
func (sc *Scheduler) Terminate() {
	sc.mu.Lock()
	handles := make([]PeerHandle, 0, len(sc.peers))
	for _, p := range sc.peers {
		handles = append(handles, p)
	}
	sc.mu.Unlock()

	for _, p := range handles {
		_ = p.SendNotInterested()
	}
}
