// Package config holds the tunables spec.md names throughout §4 and §6.
// It is a plain struct with stdlib flag-friendly defaults — this client's
// CLI surface is small enough that no config file or env-binding library
// earns its keep (see DESIGN.md).
package config

import "time"

const (
	// BlockSize is the default block (sub-piece) size, 16 KiB (spec.md §3).
	BlockSize = 1 << 14

	// DefaultListenPortBase is the first port tried when listening
	// (spec.md §6: "first free in 6881-6889").
	DefaultListenPortBase = 6881
	// DefaultListenPortMax is the last port tried in that range.
	DefaultListenPortMax = 6889
)

// Config collects every tunable the scheduler, peer sessions, tracker
// client, and piece store need. Zero value is not meaningful; use Default.
type Config struct {
	OutputDir string
	MaxPeers  int

	// PipelineDepth is the max outstanding requests per peer (spec.md §4.3).
	PipelineDepth int
	BlockSize     int

	// ConnectTimeout bounds dialing a peer (spec.md §4.3).
	ConnectTimeout time.Duration
	// PeerIdleTimeout closes a session that receives nothing for this long
	// (spec.md §4.3's keep-alive/timeout rule).
	PeerIdleTimeout time.Duration
	// KeepAliveInterval is how long we may go without sending before we
	// emit a keep-alive (spec.md §4.3).
	KeepAliveInterval time.Duration

	// BlockTimeout (T_block) is how long an InFlight block may go
	// unanswered before the scheduler reassigns it (spec.md §4.5).
	BlockTimeout time.Duration
	// ChokeGrace is the window after a Choke before pending requests are
	// reassigned (spec.md §4.3).
	ChokeGrace time.Duration
	// SchedulerTick is the periodic safety-net decision point (spec.md §4.5).
	SchedulerTick time.Duration

	// EndgameThreshold: once unfinished pieces drop below this, the
	// scheduler enters endgame duplication (spec.md §4.5).
	EndgameThreshold int
	// RarityTopK bounds the randomization window among tied rarest pieces.
	RarityTopK int

	// UniquePeerTarget is the tracker tier policy's peer-count threshold
	// (spec.md §4.2, default 30).
	UniquePeerTarget int

	// MaxPieceHashFailures aborts the download with an integrity error once
	// a single piece has failed verification this many times (spec.md §8
	// scenario 3: "after N failures, piece is marked unrecoverable").
	MaxPieceHashFailures int

	// PeerID is this client's 20-byte peer id, generated once at startup.
	PeerID [20]byte

	// ListenPortBase/ListenPortMax bound the range Client.Run scans for a
	// free listen port (spec.md §6: "first free in 6881-6889"), overridable
	// by cmd/leech's -port flag.
	ListenPortBase int
	ListenPortMax  int
}

// Default returns a Config populated with the values spec.md specifies or
// suggests as defaults.
func Default() Config {
	return Config{
		OutputDir:            "./downloads",
		MaxPeers:             15,
		PipelineDepth:        5,
		BlockSize:            BlockSize,
		ConnectTimeout:       10 * time.Second,
		PeerIdleTimeout:      2 * time.Minute,
		KeepAliveInterval:    2 * time.Minute,
		BlockTimeout:         30 * time.Second,
		ChokeGrace:           2 * time.Second,
		SchedulerTick:        1 * time.Second,
		EndgameThreshold:     10,
		RarityTopK:           4,
		UniquePeerTarget:     30,
		MaxPieceHashFailures: 5,
		ListenPortBase:       DefaultListenPortBase,
		ListenPortMax:        DefaultListenPortMax,
	}
}
