package store

import "github.com/lvbealr/leech/internal/bitfield"

// OnBitfield records a peer's full bitfield and folds it into the rarity
// counts (spec.md §3: "Rarity: count of peers whose bitfield has this bit
// set; maintained incrementally as bitfields arrive and sessions end").
func (st *Store) OnBitfield(peerID string, bf bitfield.Bitfield) {
	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.peerBitfields[peerID]
	for i := range st.pieces {
		has := bf.Has(i)
		had := prev.Has(i)
		if has && !had {
			st.rarity[i]++
		} else if had && !has {
			st.rarity[i]--
		}
	}
	st.peerBitfields[peerID] = append(bitfield.Bitfield(nil), bf...)
}

// OnHave records a single piece announcement from a peer.
func (st *Store) OnHave(peerID string, index int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	bf := st.peerBitfields[peerID]
	if bf == nil {
		bf = bitfield.New(len(st.pieces))
	}
	if bf.Has(index) {
		return
	}
	bf.Set(index)
	st.peerBitfields[peerID] = bf
	st.rarity[index]++
}

// OnPeerGone undoes a disconnected peer's contribution to the rarity
// counts and reverts any blocks it left InFlight back to Free (spec.md
// §4.4/§5: "Peer Session ... destroyed on protocol error, timeout, or
// graceful close; its outstanding InFlight blocks revert to Free").
func (st *Store) OnPeerGone(peerID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if bf, ok := st.peerBitfields[peerID]; ok {
		for i := range st.pieces {
			if bf.Has(i) {
				st.rarity[i]--
			}
		}
		delete(st.peerBitfields, peerID)
	}

	for pi := range st.pieces {
		p := &st.pieces[pi]
		for bi := range p.blocks {
			b := &p.blocks[bi]
			if b.state != BlockInFlight {
				continue
			}
			kept := b.assignments[:0]
			for _, a := range b.assignments {
				if a.peerID != peerID {
					kept = append(kept, a)
				}
			}
			b.assignments = kept
			if len(b.assignments) == 0 {
				b.state = BlockFree
			}
		}
	}
}

// Rarity returns the current peer count for piece index.
func (st *Store) Rarity(index int) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rarity[index]
}

// RetryCount returns how many times piece index has failed verification.
func (st *Store) RetryCount(index int) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pieces[index].retries
}

// PieceInfo is a read-only snapshot of one piece's scheduling-relevant
// state, returned by Snapshot.
type PieceInfo struct {
	Index   int
	State   PieceState
	Rarity  int
	Length  int
	Retries int
}

// Snapshot returns scheduling state for every piece not yet committed,
// for the scheduler's rarest-first selection (spec.md §4.5).
func (st *Store) Snapshot() []PieceInfo {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]PieceInfo, 0, len(st.pieces))
	for i := range st.pieces {
		p := &st.pieces[i]
		if p.state == PieceCommitted {
			continue
		}
		out = append(out, PieceInfo{
			Index:   p.index,
			State:   p.state,
			Rarity:  st.rarity[i],
			Length:  p.length,
			Retries: p.retries,
		})
	}
	return out
}

// UnfinishedCount returns how many pieces remain uncommitted, used by the
// scheduler to detect the endgame threshold (spec.md §4.5).
func (st *Store) UnfinishedCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pieces) - st.committed
}

// BlockPlan describes one block within a piece, for the scheduler to turn
// into a REQUEST message.
type BlockPlan struct {
	Begin  int
	Length int
	State  BlockState
}

// BlocksOf returns the current state of every block in piece index, in
// order, for sequential-within-piece block selection (spec.md §4.5).
func (st *Store) BlocksOf(index int) []BlockPlan {
	st.mu.Lock()
	defer st.mu.Unlock()

	p := &st.pieces[index]
	out := make([]BlockPlan, len(p.blocks))
	for i, b := range p.blocks {
		out[i] = BlockPlan{Begin: b.begin, Length: b.length, State: b.state}
	}
	return out
}
