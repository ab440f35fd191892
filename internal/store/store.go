// Package store implements the Piece Store (spec.md §4.4): the
// piece/block state machine, SHA-1 verification, positional multi-file
// writes, and the rarity counts used by the scheduler for rarest-first
// selection. The piece-state table and rarity counts are the client's
// principal shared mutable state (spec.md §5), so Store is a single
// mutex-guarded struct — a dedicated lock scope, one of the two
// concurrency shapes spec.md §9 allows in place of the teacher's several
// overlapping mutexes (PeersMutex/DownloadMutex in
// lvbealr-BitTorrent/torrent/p2p.go).
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lvbealr/leech/internal/bitfield"
	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
)

// BlockState is a block's place in spec.md §3's state machine.
type BlockState int

const (
	BlockFree BlockState = iota
	BlockInFlight
	BlockReceived
)

func (s BlockState) String() string {
	switch s {
	case BlockFree:
		return "free"
	case BlockInFlight:
		return "in_flight"
	case BlockReceived:
		return "received"
	default:
		return "unknown"
	}
}

// PieceState is a piece's place in spec.md §3's state machine.
type PieceState int

const (
	PiecePending PieceState = iota
	PieceDownloading
	PieceVerifying
	PieceCommitted
	PieceFailed
)

func (s PieceState) String() string {
	switch s {
	case PiecePending:
		return "pending"
	case PieceDownloading:
		return "downloading"
	case PieceVerifying:
		return "verifying"
	case PieceCommitted:
		return "committed"
	case PieceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type assignment struct {
	peerID    string
	requested time.Time
}

type block struct {
	state       BlockState
	begin       int
	length      int
	assignments []assignment
}

type piece struct {
	index       int
	length      int
	expected    [20]byte
	state       PieceState
	buffer      []byte
	blocks      []block
	retries     int
	contributed map[string]bool // peers that delivered at least one accepted block this attempt
}

func (p *piece) allReceived() bool {
	for i := range p.blocks {
		if p.blocks[i].state != BlockReceived {
			return false
		}
	}
	return true
}

func (p *piece) blockAt(begin int) *block {
	for i := range p.blocks {
		if p.blocks[i].begin == begin {
			return &p.blocks[i]
		}
	}
	return nil
}

type openFile struct {
	entry  metainfo.FileEntry
	handle *os.File
}

// Store is the Piece Store: piece/block bookkeeping, SHA-1 verification,
// and positional file writes, all behind one mutex.
type Store struct {
	cfg *config.Config

	mu            sync.Mutex
	pieces        []piece
	rarity        []int
	peerBitfields map[string]bitfield.Bitfield
	committed     int
	files         []openFile
	pieceLength   int64
	totalLength   int64
}

// Open creates (or truncates-and-reopens) the torrent's output files and
// builds the empty piece table, ready to accept blocks.
func Open(meta *metainfo.Metainfo, cfg *config.Config, outputDir string) (*Store, error) {
	st := &Store{
		cfg:           cfg,
		pieces:        make([]piece, meta.PieceCount()),
		rarity:        make([]int, meta.PieceCount()),
		peerBitfields: make(map[string]bitfield.Bitfield),
		pieceLength:   meta.PieceLength,
		totalLength:   meta.TotalLength,
	}

	for i := range st.pieces {
		length := int(meta.PieceLen(i))
		st.pieces[i] = piece{
			index:       i,
			length:      length,
			expected:    meta.PieceHashes[i],
			state:       PiecePending,
			blocks:      buildBlocks(length, cfg.BlockSize),
			contributed: make(map[string]bool),
		}
	}

	for _, fe := range meta.Files {
		path := filepath.Join(outputDir, fe.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: creating directory for %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("store: creating %s: %w", path, err)
		}
		if err := f.Truncate(fe.Length); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: truncating %s: %w", path, err)
		}
		st.files = append(st.files, openFile{entry: fe, handle: f})
	}

	return st, nil
}

func buildBlocks(pieceLength, blockSize int) []block {
	n := (pieceLength + blockSize - 1) / blockSize
	blocks := make([]block, n)
	for i := range blocks {
		begin := i * blockSize
		length := blockSize
		if remaining := pieceLength - begin; remaining < length {
			length = remaining
		}
		blocks[i] = block{state: BlockFree, begin: begin, length: length}
	}
	return blocks
}

// Close releases every open output file handle.
func (st *Store) Close() error {
	var firstErr error
	for _, f := range st.files {
		if err := f.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PieceCount returns the number of pieces in the torrent.
func (st *Store) PieceCount() int {
	return len(st.pieces)
}

// Done reports whether every piece has been committed.
func (st *Store) Done() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.committed == len(st.pieces)
}

// CommittedCount returns how many pieces have been verified and written.
func (st *Store) CommittedCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.committed
}

// Bitfield returns a snapshot bitfield of committed pieces, suitable for
// sending to a newly handshaken peer (spec.md §4.3).
func (st *Store) Bitfield() bitfield.Bitfield {
	st.mu.Lock()
	defer st.mu.Unlock()
	bf := bitfield.New(len(st.pieces))
	for i := range st.pieces {
		if st.pieces[i].state == PieceCommitted {
			bf.Set(i)
		}
	}
	return bf
}
