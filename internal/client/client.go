// Package client wires the other internal packages into the end-to-end
// download driver spec.md §4.7/§9 calls for: take decoded metainfo, announce to
// the tracker tiers, dial peers with bounded parallelism, drive the
// scheduler/store pair until every piece is committed, then shut down
// cleanly. It replaces lvbealr-BitTorrent/torrent/p2p.go's methods hung
// off *TorrentFile with an explicit Client type, per spec.md §9's
// "pass a context value containing logger, configuration, and shutdown
// signal into each session at construction".
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/scheduler"
	"github.com/lvbealr/leech/internal/store"
	"github.com/lvbealr/leech/internal/tracker"
)

// ExitCode mirrors spec.md §6's process exit codes so cmd/leech can
// propagate them without re-deriving the mapping.
type ExitCode int

const (
	ExitSuccess           ExitCode = 0
	ExitInvalidMetainfo   ExitCode = 1
	ExitNoPeers           ExitCode = 2
	ExitUnrecoverableIO   ExitCode = 3
	ExitUserCancellation  ExitCode = 4
)

// Error wraps a terminal client failure with the exit code it maps to.
type Error struct {
	Code ExitCode
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Progress is a lightweight snapshot clients (cmd/leech) can poll for
// rendering a progress bar without reaching into internals.
type Progress struct {
	Committed int
	Total     int
	Peers     int
}

// Client orchestrates one torrent download.
type Client struct {
	cfg    config.Config
	meta   *metainfo.Metainfo
	logger *logrus.Entry

	tracker   *tracker.Client
	store     *store.Store
	scheduler *scheduler.Scheduler

	listenPort uint16

	mu       sync.Mutex
	sessions map[string]*peer.Session

	abort chan error
}

// New prepares a Client for meta, creating its output files up front.
// It does not contact the network; call Run to start the download.
func New(meta *metainfo.Metainfo, cfg config.Config, logger *logrus.Entry) (*Client, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	st, err := store.Open(meta, &cfg, cfg.OutputDir)
	if err != nil {
		return nil, &Error{Code: ExitUnrecoverableIO, Err: fmt.Errorf("client: opening output files: %w", err)}
	}

	sched := scheduler.New(&cfg, st, logger)

	return &Client{
		cfg:       cfg,
		meta:      meta,
		logger:    logger.WithField("torrent", meta.Name),
		tracker:   tracker.NewClient(meta.AnnounceList, logger),
		store:     st,
		scheduler: sched,
		sessions:  make(map[string]*peer.Session),
		abort:     make(chan error, 1),
	}, nil
}

// Progress returns a snapshot of download progress so far.
func (c *Client) Progress() Progress {
	c.mu.Lock()
	n := len(c.sessions)
	c.mu.Unlock()
	return Progress{
		Committed: c.store.CommittedCount(),
		Total:     c.store.PieceCount(),
		Peers:     n,
	}
}

// Run drives the download to completion or to a terminal error. ctx
// cancellation maps to ExitUserCancellation.
func (c *Client) Run(ctx context.Context) error {
	defer c.store.Close()

	c.listenPort = pickListenPort(c.cfg.ListenPortBase, c.cfg.ListenPortMax)

	result, err := c.announce(ctx, tracker.EventStarted)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Code: ExitUserCancellation, Err: ctx.Err()}
		}
		return &Error{Code: ExitNoPeers, Err: err}
	}
	if len(result.Peers) == 0 {
		return &Error{Code: ExitNoPeers, Err: errors.New("client: tracker returned no peers")}
	}

	c.dialPeers(ctx, result.Peers)

	if c.scheduler.PeerCount() == 0 {
		if ctx.Err() != nil {
			return &Error{Code: ExitUserCancellation, Err: ctx.Err()}
		}
		return &Error{Code: ExitNoPeers, Err: errors.New("client: no peer connections could be established")}
	}

	err = c.driveUntilDone(ctx)

	c.shutdown(ctx)

	return err
}

func pickListenPort(base, max int) uint16 {
	if base <= 0 {
		base = config.DefaultListenPortBase
	}
	if max < base {
		max = base
	}
	for port := base; port <= max; port++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			ln.Close()
			return uint16(port)
		}
	}
	return uint16(base)
}

func (c *Client) announce(ctx context.Context, event tracker.Event) (*tracker.AnnounceResult, error) {
	left := c.meta.TotalLength - int64(c.store.CommittedCount())*c.meta.PieceLength
	if left < 0 {
		left = 0
	}
	req := tracker.AnnounceRequest{
		InfoHash: c.meta.InfoHash,
		PeerID:   c.cfg.PeerID,
		Port:     c.listenPort,
		Left:     left,
		Event:    event,
		NumWant:  c.cfg.MaxPeers,
	}
	return c.tracker.Announce(ctx, req, c.cfg.UniquePeerTarget)
}

// driveUntilDone runs the scheduler's periodic safety tick until the
// store reports every piece committed, ctx is cancelled, or every
// session has died with no replacement.
func (c *Client) driveUntilDone(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		if c.store.Done() {
			return nil
		}

		select {
		case <-ctx.Done():
			return &Error{Code: ExitUserCancellation, Err: ctx.Err()}
		case err := <-c.abort:
			return &Error{Code: ExitUnrecoverableIO, Err: err}
		case <-ticker.C:
			c.scheduler.Tick()
			if c.scheduler.PeerCount() == 0 {
				return &Error{Code: ExitNoPeers, Err: errors.New("client: all peer connections lost")}
			}
		}
	}
}

// shutdown tells every live session we're done and notifies the tracker,
// per spec.md §4.5's termination sequence and §7's orderly-shutdown rule
// for resource errors and cancellation.
func (c *Client) shutdown(ctx context.Context) {
	c.scheduler.Terminate()

	c.mu.Lock()
	sessions := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	announceCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if _, err := c.announce(announceCtx, tracker.EventStopped); err != nil {
		c.logger.WithError(err).Warn("client: stopped announce failed")
	}
}
