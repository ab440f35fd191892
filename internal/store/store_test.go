package store

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/lvbealr/leech/internal/bitfield"
	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
)

func smallCfg(blockSize int) *config.Config {
	cfg := config.Default()
	cfg.BlockSize = blockSize
	return &cfg
}

func hashOf(data []byte) [20]byte {
	return sha1.Sum(data)
}

func TestStoreSinglePieceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := []byte("0123456789abcdef012345") // 22 bytes
	meta := &metainfo.Metainfo{
		PieceLength: 22,
		PieceHashes: [][20]byte{hashOf(data)},
		Files:       []metainfo.FileEntry{{Path: "out.bin", Length: 22, Offset: 0}},
		TotalLength: 22,
	}

	st, err := Open(meta, smallCfg(16), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	blocks := st.BlocksOf(0)
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}

	for _, b := range blocks {
		if err := st.BeginBlock(0, b.Begin, "peerA", false); err != nil {
			t.Fatalf("BeginBlock(%d): %v", b.Begin, err)
		}
		res, err := st.CompleteBlock(0, b.Begin, "peerA", data[b.Begin:b.Begin+b.Length])
		if err != nil {
			t.Fatalf("CompleteBlock(%d): %v", b.Begin, err)
		}
		if b.Begin == blocks[len(blocks)-1].Begin && !res.PieceDone {
			t.Fatalf("expected PieceDone after last block")
		}
	}

	vr, err := st.Verify(0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !vr.Matched {
		t.Fatal("expected hash match")
	}
	if st.CommittedCount() != 1 {
		t.Fatalf("CommittedCount = %d, want 1", st.CommittedCount())
	}

	written, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(written) != string(data) {
		t.Fatalf("written = %q, want %q", written, data)
	}
}

func TestStoreDuplicateBlockDiscardedSilently(t *testing.T) {
	dir := t.TempDir()
	data := []byte("abcdefgh")
	meta := &metainfo.Metainfo{
		PieceLength: 8,
		PieceHashes: [][20]byte{hashOf(data)},
		Files:       []metainfo.FileEntry{{Path: "f.bin", Length: 8, Offset: 0}},
		TotalLength: 8,
	}
	st, err := Open(meta, smallCfg(8), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.BeginBlock(0, 0, "peerA", false); err != nil {
		t.Fatalf("BeginBlock: %v", err)
	}
	res, err := st.CompleteBlock(0, 0, "peerA", data)
	if err != nil || !res.PieceDone {
		t.Fatalf("first delivery: res=%+v err=%v", res, err)
	}

	// A second, duplicate delivery for the same block must be discarded
	// without error.
	res2, err := st.CompleteBlock(0, 0, "peerB", data)
	if err != nil {
		t.Fatalf("duplicate delivery returned error: %v", err)
	}
	if !res2.Duplicate {
		t.Fatalf("expected Duplicate=true for re-delivered block")
	}
}

func TestStoreHashMismatchResetsPiece(t *testing.T) {
	dir := t.TempDir()
	good := []byte("abcdefgh")
	meta := &metainfo.Metainfo{
		PieceLength: 8,
		PieceHashes: [][20]byte{hashOf(good)},
		Files:       []metainfo.FileEntry{{Path: "f.bin", Length: 8, Offset: 0}},
		TotalLength: 8,
	}
	st, err := Open(meta, smallCfg(8), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	bad := []byte("zzzzzzzz")
	if err := st.BeginBlock(0, 0, "peerA", false); err != nil {
		t.Fatalf("BeginBlock: %v", err)
	}
	if _, err := st.CompleteBlock(0, 0, "peerA", bad); err != nil {
		t.Fatalf("CompleteBlock: %v", err)
	}

	vr, err := st.Verify(0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if vr.Matched {
		t.Fatal("expected hash mismatch")
	}
	if vr.SolePeer != "peerA" {
		t.Fatalf("SolePeer = %q, want peerA", vr.SolePeer)
	}

	blocks := st.BlocksOf(0)
	if blocks[0].State != BlockFree {
		t.Fatalf("block state after mismatch = %v, want Free", blocks[0].State)
	}
	info := st.Snapshot()
	if len(info) != 1 || info[0].State != PiecePending || info[0].Retries != 1 {
		t.Fatalf("snapshot after mismatch = %+v", info)
	}
}

func TestStoreMultiFilePieceStraddlesBoundary(t *testing.T) {
	dir := t.TempDir()
	// Piece 0 spans the end of file "a" (5 bytes) and the start of file
	// "b" (5 bytes), 10 bytes total.
	data := []byte("AAAAABBBBB")
	meta := &metainfo.Metainfo{
		PieceLength: 10,
		PieceHashes: [][20]byte{hashOf(data)},
		Files: []metainfo.FileEntry{
			{Path: "a.bin", Length: 5, Offset: 0},
			{Path: "b.bin", Length: 5, Offset: 5},
		},
		TotalLength: 10,
	}
	st, err := Open(meta, smallCfg(10), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.BeginBlock(0, 0, "peerA", false); err != nil {
		t.Fatalf("BeginBlock: %v", err)
	}
	if _, err := st.CompleteBlock(0, 0, "peerA", data); err != nil {
		t.Fatalf("CompleteBlock: %v", err)
	}
	if vr, err := st.Verify(0); err != nil || !vr.Matched {
		t.Fatalf("Verify: vr=%+v err=%v", vr, err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil || string(a) != "AAAAA" {
		t.Fatalf("a.bin = %q, err=%v", a, err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "b.bin"))
	if err != nil || string(b) != "BBBBB" {
		t.Fatalf("b.bin = %q, err=%v", b, err)
	}
}

func TestStoreRarityTracksBitfieldAndHave(t *testing.T) {
	dir := t.TempDir()
	meta := &metainfo.Metainfo{
		PieceLength: 8,
		PieceHashes: [][20]byte{{1}, {2}, {3}},
		Files:       []metainfo.FileEntry{{Path: "f.bin", Length: 24, Offset: 0}},
		TotalLength: 24,
	}
	st, err := Open(meta, smallCfg(8), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	bfA := bitfield.New(3)
	bfA.Set(0)
	bfA.Set(1)
	st.OnBitfield("peerA", bfA)

	bfB := bitfield.New(3)
	bfB.Set(1)
	st.OnBitfield("peerB", bfB)

	if r := st.Rarity(0); r != 1 {
		t.Fatalf("Rarity(0) = %d, want 1", r)
	}
	if r := st.Rarity(1); r != 2 {
		t.Fatalf("Rarity(1) = %d, want 2", r)
	}
	if r := st.Rarity(2); r != 0 {
		t.Fatalf("Rarity(2) = %d, want 0", r)
	}

	st.OnHave("peerB", 2)
	if r := st.Rarity(2); r != 1 {
		t.Fatalf("Rarity(2) after have = %d, want 1", r)
	}

	st.OnPeerGone("peerA")
	if r := st.Rarity(0); r != 0 {
		t.Fatalf("Rarity(0) after peerA gone = %d, want 0", r)
	}
	if r := st.Rarity(1); r != 1 {
		t.Fatalf("Rarity(1) after peerA gone = %d, want 1", r)
	}
}

func TestStorePeerGoneRevertsInFlightBlocks(t *testing.T) {
	dir := t.TempDir()
	meta := &metainfo.Metainfo{
		PieceLength: 8,
		PieceHashes: [][20]byte{{1}},
		Files:       []metainfo.FileEntry{{Path: "f.bin", Length: 8, Offset: 0}},
		TotalLength: 8,
	}
	st, err := Open(meta, smallCfg(8), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.BeginBlock(0, 0, "peerA", false); err != nil {
		t.Fatalf("BeginBlock: %v", err)
	}
	st.OnPeerGone("peerA")

	blocks := st.BlocksOf(0)
	if blocks[0].State != BlockFree {
		t.Fatalf("block state after disconnect = %v, want Free", blocks[0].State)
	}
}

func TestStoreEndgameDuplicateRivalsReported(t *testing.T) {
	dir := t.TempDir()
	data := []byte("abcdefgh")
	meta := &metainfo.Metainfo{
		PieceLength: 8,
		PieceHashes: [][20]byte{hashOf(data)},
		Files:       []metainfo.FileEntry{{Path: "f.bin", Length: 8, Offset: 0}},
		TotalLength: 8,
	}
	st, err := Open(meta, smallCfg(8), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.BeginBlock(0, 0, "peerA", true); err != nil {
		t.Fatalf("BeginBlock peerA: %v", err)
	}
	if err := st.BeginBlock(0, 0, "peerB", true); err != nil {
		t.Fatalf("BeginBlock peerB: %v", err)
	}

	res, err := st.CompleteBlock(0, 0, "peerA", data)
	if err != nil {
		t.Fatalf("CompleteBlock: %v", err)
	}
	if len(res.Rivals) != 1 || res.Rivals[0] != "peerB" {
		t.Fatalf("Rivals = %+v, want [peerB]", res.Rivals)
	}
}

func TestBeginBlockRejectsSecondAssignmentOutsideEndgame(t *testing.T) {
	dir := t.TempDir()
	meta := &metainfo.Metainfo{
		PieceLength: 8,
		PieceHashes: [][20]byte{{1}},
		Files:       []metainfo.FileEntry{{Path: "f.bin", Length: 8, Offset: 0}},
		TotalLength: 8,
	}
	st, err := Open(meta, smallCfg(8), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.BeginBlock(0, 0, "peerA", false); err != nil {
		t.Fatalf("BeginBlock: %v", err)
	}
	if err := st.BeginBlock(0, 0, "peerB", false); err != ErrAlreadyAssigned {
		t.Fatalf("BeginBlock second assignment = %v, want ErrAlreadyAssigned", err)
	}
}

func TestBeginBlockRejectsSamePeerTwiceInEndgame(t *testing.T) {
	dir := t.TempDir()
	meta := &metainfo.Metainfo{
		PieceLength: 8,
		PieceHashes: [][20]byte{{1}},
		Files:       []metainfo.FileEntry{{Path: "f.bin", Length: 8, Offset: 0}},
		TotalLength: 8,
	}
	st, err := Open(meta, smallCfg(8), dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.BeginBlock(0, 0, "peerA", true); err != nil {
		t.Fatalf("BeginBlock peerA: %v", err)
	}
	// Endgame duplicates a block onto a rival peer, not a second copy onto
	// the peer that already holds it.
	if err := st.BeginBlock(0, 0, "peerA", true); err != ErrAlreadyAssigned {
		t.Fatalf("BeginBlock same peer again in endgame = %v, want ErrAlreadyAssigned", err)
	}
	if err := st.BeginBlock(0, 0, "peerB", true); err != nil {
		t.Fatalf("BeginBlock peerB: %v", err)
	}
}
