package store

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOutOfRange is returned for a piece/block index or offset outside
	// the torrent's bounds.
	ErrOutOfRange = errors.New("store: index out of range")
	// ErrAlreadyAssigned is returned by BeginBlock when a block is already
	// InFlight and the caller is not in endgame mode (spec.md §3: "A block
	// is InFlight for exactly one peer at any instant"), and in endgame mode
	// when the same peer already holds an assignment for the block.
	ErrAlreadyAssigned = errors.New("store: block already in flight")
	// ErrAlreadyCommitted is returned when a caller tries to assign work
	// against a piece that has already been verified and written.
	ErrAlreadyCommitted = errors.New("store: piece already committed")
)

// BeginBlock marks (index, begin) as requested from peerID. In normal
// mode a block already InFlight is rejected; in endgame mode additional
// assignments from other peers are tracked alongside the existing one so
// the scheduler can cancel the losers once one delivers (spec.md §4.5
// endgame) — but a peer that already holds this block's assignment is
// rejected too, since endgame duplicates a request onto a rival, not a
// second copy to the same peer.
func (st *Store) BeginBlock(index, begin int, peerID string, endgame bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if index < 0 || index >= len(st.pieces) {
		return fmt.Errorf("%w: piece %d", ErrOutOfRange, index)
	}
	p := &st.pieces[index]
	if p.state == PieceCommitted {
		return ErrAlreadyCommitted
	}
	b := p.blockAt(begin)
	if b == nil {
		return fmt.Errorf("%w: piece %d begin %d", ErrOutOfRange, index, begin)
	}
	if b.state == BlockReceived {
		return nil // already have it, nothing to assign
	}
	if b.state == BlockInFlight {
		if !endgame {
			return ErrAlreadyAssigned
		}
		for _, a := range b.assignments {
			if a.peerID == peerID {
				return ErrAlreadyAssigned
			}
		}
	}

	b.state = BlockInFlight
	b.assignments = append(b.assignments, assignment{peerID: peerID, requested: time.Now()})
	if p.state == PiecePending {
		p.state = PieceDownloading
	}
	return nil
}

// CancelBlock drops a single peer's assignment to (index, begin) without
// affecting any other peer's assignment to the same block (endgame). The
// block reverts to Free if that was its only assignment.
func (st *Store) CancelBlock(index, begin int, peerID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if index < 0 || index >= len(st.pieces) {
		return
	}
	b := st.pieces[index].blockAt(begin)
	if b == nil || b.state != BlockInFlight {
		return
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

// CommitResult reports what happened after a block's bytes were handed to
// the store.
type CommitResult struct {
	// Duplicate is true when the block had already been received; the
	// delivery was discarded silently (spec.md §9 Open Question: "accept
	// first, discard silently").
	Duplicate bool
	// Rivals holds peer IDs that had a competing endgame assignment for
	// this same block, now moot; the caller should send them a best-effort
	// cancel.
	Rivals []string
	// PieceDone is true once this delivery completed the piece's buffer,
	// meaning the caller should call Verify next.
	PieceDone bool
}

// CompleteBlock hands (index, begin, data) to the store's write path
// (spec.md §4.4 "Write path"): validates bounds/alignment, fills the
// piece's buffer, and reports whether the piece is now fully received.
func (st *Store) CompleteBlock(index, begin int, peerID string, data []byte) (CommitResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if index < 0 || index >= len(st.pieces) {
		return CommitResult{}, fmt.Errorf("%w: piece %d", ErrOutOfRange, index)
	}
	p := &st.pieces[index]
	if p.state == PieceCommitted {
		return CommitResult{Duplicate: true}, nil
	}
	b := p.blockAt(begin)
	if b == nil {
		return CommitResult{}, fmt.Errorf("%w: piece %d begin %d", ErrOutOfRange, index, begin)
	}
	if begin+len(data) > p.length {
		return CommitResult{}, fmt.Errorf("store: piece %d block at %d length %d overflows piece length %d", index, begin, len(data), p.length)
	}
	if len(data) != b.length {
		return CommitResult{}, fmt.Errorf("store: piece %d begin %d: expected %d bytes, got %d", index, begin, b.length, len(data))
	}

	if b.state == BlockReceived {
		return CommitResult{Duplicate: true}, nil
	}

	var rivals []string
	for _, a := range b.assignments {
		if a.peerID != peerID {
			rivals = append(rivals, a.peerID)
		}
	}
	b.assignments = nil

	if p.buffer == nil {
		p.buffer = make([]byte, p.length)
	}
	copy(p.buffer[begin:begin+len(data)], data)
	b.state = BlockReceived
	p.contributed[peerID] = true

	if !p.allReceived() {
		return CommitResult{Rivals: rivals}, nil
	}

	p.state = PieceVerifying
	return CommitResult{Rivals: rivals, PieceDone: true}, nil
}

// VerifyResult reports the outcome of hashing a fully-received piece.
type VerifyResult struct {
	Matched bool
	// SolePeer is set when every accepted block of a failed piece came
	// from a single peer, flagging it for a score penalty (spec.md §4.4:
	// "if any peer was the sole source of every block, flag that peer for
	// scoring penalty").
	SolePeer string
}

// Verify hashes a Verifying piece's buffer against its expected hash. On
// match it writes the piece to the output files, frees the buffer, and
// marks the piece Committed. On mismatch it resets every block to Free,
// bumps the retry counter, and leaves the piece Pending for re-download.
func (st *Store) Verify(index int) (VerifyResult, error) {
	st.mu.Lock()
	p := &st.pieces[index]
	if p.state != PieceVerifying {
		st.mu.Unlock()
		return VerifyResult{}, fmt.Errorf("store: piece %d not verifying (state=%s)", index, p.state)
	}
	buffer := p.buffer
	expected := p.expected
	st.mu.Unlock()

	sum := sha1.Sum(buffer)
	matched := bytes.Equal(sum[:], expected[:])

	st.mu.Lock()
	defer st.mu.Unlock()

	if !matched {
		p.retries++
		sole := ""
		if len(p.contributed) == 1 {
			for peerID := range p.contributed {
				sole = peerID
			}
		}
		p.contributed = make(map[string]bool)
		for i := range p.blocks {
			p.blocks[i].state = BlockFree
			p.blocks[i].assignments = nil
		}
		p.buffer = nil
		p.state = PiecePending
		return VerifyResult{Matched: false, SolePeer: sole}, nil
	}

	if err := st.writePiece(p.index, buffer); err != nil {
		// Leave state as Verifying; caller may retry the write without
		// re-downloading, since the bytes are still held by no one else.
		p.buffer = buffer
		return VerifyResult{}, fmt.Errorf("store: writing piece %d: %w", index, err)
	}

	p.buffer = nil
	p.state = PieceCommitted
	p.contributed = make(map[string]bool)
	st.committed++

	return VerifyResult{Matched: true}, nil
}

// writePiece splits a committed piece's bytes across the files it
// straddles, using the prefix-sum offsets built at Open time (spec.md
// §4.4: "the Piece Store consults the prefix-sum table and issues one or
// more positional writes"). Must be called with st.mu held.
func (st *Store) writePiece(index int, data []byte) error {
	pieceStart := int64(index) * st.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, f := range st.files {
		fileStart := f.entry.Offset
		fileEnd := f.entry.Offset + f.entry.Length

		start := maxInt64(pieceStart, fileStart)
		end := minInt64(pieceEnd, fileEnd)
		if start >= end {
			continue
		}

		chunk := data[start-pieceStart : end-pieceStart]
		if _, err := f.handle.WriteAt(chunk, start-f.entry.Offset); err != nil {
			return fmt.Errorf("writing %s: %w", f.entry.Path, err)
		}
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
