package scheduler

import (
	"math/rand"
	"sort"

	"github.com/lvbealr/leech/internal/store"
)

// fillPeer requests as many new blocks from p as it has spare pipeline
// slots for, choosing pieces rarest-first with a small randomisation
// window among ties (spec.md §4.5), or duplicating outstanding requests
// once the download is in endgame.
func (sc *Scheduler) fillPeer(p PeerHandle) {
	if p.PeerChoking() || !p.Healthy() {
		return
	}
	slots := p.SpareSlots()
	if slots <= 0 {
		return
	}

	endgame := sc.endgame()
	order := sc.candidateOrder(p)

	for _, idx := range order {
		if slots <= 0 {
			return
		}
		for _, b := range sc.st.BlocksOf(idx) {
			if slots <= 0 {
				break
			}
			if b.State == store.BlockReceived {
				continue
			}
			if b.State == store.BlockInFlight && !endgame {
				continue
			}

			if err := sc.st.BeginBlock(idx, b.Begin, p.ID(), endgame); err != nil {
				continue
			}
			if err := p.SendRequest(idx, b.Begin, b.Length); err != nil {
				sc.st.CancelBlock(idx, b.Begin, p.ID())
				continue
			}
			sc.recordAssignment(idx, b.Begin, p.ID())
			slots--
		}
	}
}

// candidateOrder returns piece indices p possesses, among those not yet
// committed, ordered rarest-first with the lowest-rarity band shuffled
// (spec.md §4.5: "A small randomisation window is applied when the
// top-k rarities are equal, to avoid swarm synchronisation").
func (sc *Scheduler) candidateOrder(p PeerHandle) []int {
	infos := sc.st.Snapshot()

	var wanted []store.PieceInfo
	for _, info := range infos {
		if info.Rarity <= 0 {
			continue
		}
		if !p.HasPiece(info.Index) {
			continue
		}
		wanted = append(wanted, info)
	}

	sort.Slice(wanted, func(i, j int) bool {
		if wanted[i].Rarity != wanted[j].Rarity {
			return wanted[i].Rarity < wanted[j].Rarity
		}
		return wanted[i].Index < wanted[j].Index
	})

	topK := sc.cfg.RarityTopK
	if topK > len(wanted) {
		topK = len(wanted)
	}
	if topK > 1 {
		window := wanted[:topK]
		rand.Shuffle(len(window), func(i, j int) {
			window[i], window[j] = window[j], window[i]
		})
	}

	order := make([]int, len(wanted))
	for i, info := range wanted {
		order[i] = info.Index
	}
	return order
}
