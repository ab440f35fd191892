package scheduler

import (
	"sort"
	"time"

	"github.com/lvbealr/leech/internal/peer"
)

// Tick is the periodic safety-net decision point (spec.md §4.5, default
// once per second): it reassigns blocks whose InFlight request has
// outlived T_block (or the lowered endgame threshold), reassigns
// requests left stranded by a choke that has outlasted ChokeGrace, and
// tops up every unchoked peer with spare pipeline capacity, highest score
// first.
func (sc *Scheduler) Tick() {
	sc.reapTimeouts()
	sc.reapChokeGrace()
	sc.topUpAll()
}

func (sc *Scheduler) blockTimeout() time.Duration {
	if sc.endgame() {
		half := sc.cfg.BlockTimeout / 2
		if half > 0 {
			return half
		}
	}
	return sc.cfg.BlockTimeout
}

// reapTimeouts cancels every block assignment older than the current
// timeout, returning the block to the store for reassignment and
// penalising the peer that held the assignment.
func (sc *Scheduler) reapTimeouts() {
	deadline := sc.blockTimeout()
	now := time.Now()

	sc.mu.Lock()
	type stale struct {
		key assignKey
		rec assignmentRecord
	}
	var expired []stale
	for key, recs := range sc.assignments {
		for _, r := range recs {
			if now.Sub(r.at) >= deadline {
				expired = append(expired, stale{key: key, rec: r})
			}
		}
	}
	sc.mu.Unlock()

	for _, e := range expired {
		sc.clearAssignment(e.key.index, e.key.begin, e.rec.peerID)
		sc.st.CancelBlock(e.key.index, e.key.begin, e.rec.peerID)

		sc.mu.Lock()
		p, ok := sc.peers[e.rec.peerID]
		sc.mu.Unlock()
		if !ok {
			continue
		}
		p.Penalize()
		length := blockLengthFromPending(p, e.key.index, e.key.begin)
		if length > 0 {
			_ = p.SendCancel(e.key.index, e.key.begin, length)
			p.DropPending(peer.Request{Index: e.key.index, Begin: e.key.begin, Length: length})
		}
	}
}

func blockLengthFromPending(p PeerHandle, index, begin int) int {
	for _, req := range p.PendingRequests() {
		if req.Index == index && req.Begin == begin {
			return req.Length
		}
	}
	return 0
}

// reapChokeGrace reassigns every outstanding request held by a peer that
// has been choking us for longer than ChokeGrace (spec.md §4.3).
func (sc *Scheduler) reapChokeGrace() {
	now := time.Now()

	sc.mu.Lock()
	var stale []string
	for peerID, at := range sc.chokedAt {
		if now.Sub(at) >= sc.cfg.ChokeGrace {
			stale = append(stale, peerID)
		}
	}
	sc.mu.Unlock()

	for _, peerID := range stale {
		sc.mu.Lock()
		p, ok := sc.peers[peerID]
		sc.mu.Unlock()
		if !ok {
			continue
		}
		for _, req := range p.PendingRequests() {
			sc.clearAssignment(req.Index, req.Begin, peerID)
			sc.st.CancelBlock(req.Index, req.Begin, peerID)
			p.DropPending(req)
		}
	}
}

func (sc *Scheduler) topUpAll() {
	sc.mu.Lock()
	handles := make([]PeerHandle, 0, len(sc.peers))
	for _, p := range sc.peers {
		handles = append(handles, p)
	}
	sc.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Score() > handles[j].Score() })
	for _, p := range handles {
		sc.fillPeer(p)
	}
}
