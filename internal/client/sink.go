package client

import (
	"context"
	"fmt"

	"github.com/lvbealr/leech/internal/bitfield"
	"github.com/lvbealr/leech/internal/peer"
	"github.com/lvbealr/leech/internal/tracker"
)

// dialSession performs the handshake with addr and wires the resulting
// session to this client as its Sink (spec.md §4.3).
func (c *Client) dialSession(ctx context.Context, addr tracker.PeerAddr) (*peer.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	return peer.Dial(ctx, toNetAddr(addr), c.meta.InfoHash, c.store.PieceCount(), c.store.Bitfield, &c.cfg, c, c.logger)
}

// OnBitfield implements peer.Sink: folds the peer's bitfield into the
// store's rarity counts and re-evaluates its pipeline.
func (c *Client) OnBitfield(s *peer.Session, bf bitfield.Bitfield) error {
	c.store.OnBitfield(s.ID(), bf)
	c.scheduler.OnAvailabilityChanged(s)
	return nil
}

// OnHave implements peer.Sink.
func (c *Client) OnHave(s *peer.Session, index int) error {
	c.store.OnHave(s.ID(), index)
	c.scheduler.OnAvailabilityChanged(s)
	return nil
}

// OnUnchoke implements peer.Sink (decision point: peer unchoked).
func (c *Client) OnUnchoke(s *peer.Session) {
	c.scheduler.OnUnchoke(s)
}

// OnChoke implements peer.Sink.
func (c *Client) OnChoke(s *peer.Session) {
	c.scheduler.OnChoke(s)
}

// OnBlock implements peer.Sink: hands the bytes to the store, verifies
// the piece once complete, and reacts to the outcome (commit broadcast,
// score penalty, endgame rival cancellation).
func (c *Client) OnBlock(s *peer.Session, index, begin int, data []byte) error {
	res, err := c.store.CompleteBlock(index, begin, s.ID(), data)
	if err != nil {
		return err
	}
	if res.Duplicate {
		return nil
	}

	c.scheduler.OnBlockCompleted(s, index, begin, len(data), res.Rivals)

	if !res.PieceDone {
		return nil
	}

	vr, err := c.store.Verify(index)
	if err != nil {
		c.logger.WithError(err).WithField("piece", index).Error("client: writing verified piece failed")
		return nil
	}
	if vr.Matched {
		c.scheduler.BroadcastHave(index)
		return nil
	}

	c.scheduler.OnVerifyFailed(vr.SolePeer)
	c.logger.WithField("piece", index).Warn("client: piece failed hash verification, retrying")

	if c.store.RetryCount(index) >= c.cfg.MaxPieceHashFailures {
		select {
		case c.abort <- fmt.Errorf("client: piece %d failed verification %d times, unrecoverable", index, c.store.RetryCount(index)):
		default:
		}
	}
	return nil
}

// OnClosed implements peer.Sink: reclaims the session's rarity
// contribution and in-flight blocks, and drops it from the scheduler.
func (c *Client) OnClosed(s *peer.Session, reason error) {
	c.mu.Lock()
	delete(c.sessions, s.ID())
	c.mu.Unlock()

	c.store.OnPeerGone(s.ID())
	c.scheduler.RemovePeer(s.ID())

	if reason != nil {
		c.logger.WithError(reason).WithField("addr", s.Addr.String()).Debug("client: session closed")
	}
}
