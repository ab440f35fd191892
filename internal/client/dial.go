package client

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/lvbealr/leech/internal/tracker"
)

// netAddr adapts a tracker.PeerAddr to net.Addr, which peer.Dial expects.
type netAddr struct {
	ip   net.IP
	port int
}

func (a netAddr) Network() string { return "tcp" }
func (a netAddr) String() string  { return net.JoinHostPort(a.ip.String(), strconv.Itoa(a.port)) }

func toNetAddr(p tracker.PeerAddr) netAddr {
	return netAddr{ip: p.IP, port: int(p.Port)}
}

// dialPeers connects to addrs with at most cfg.MaxPeers concurrent
// dial-outs (spec.md §4.7, the teacher's ConnectToPeers semaphore
// pattern generalized from a fixed 10 to the configured MaxPeers).
func (c *Client) dialPeers(ctx context.Context, addrs []tracker.PeerAddr) {
	sem := make(chan struct{}, c.cfg.MaxPeers)
	var wg sync.WaitGroup

	for _, addr := range addrs {
		if c.scheduler.PeerCount() >= c.cfg.MaxPeers {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(a tracker.PeerAddr) {
			defer func() { <-sem; wg.Done() }()
			c.dialOne(ctx, a)
		}(addr)
	}

	wg.Wait()
}

func (c *Client) dialOne(ctx context.Context, addr tracker.PeerAddr) {
	log := c.logger.WithField("addr", addr.String())

	session, err := c.dialSession(ctx, addr)
	if err != nil {
		log.WithError(err).Debug("client: dial failed")
		return
	}

	c.mu.Lock()
	if _, dup := c.sessions[session.ID()]; dup {
		c.mu.Unlock()
		log.Warn("client: duplicate peer_id, closing newer connection")
		session.Close()
		return
	}
	c.sessions[session.ID()] = session
	c.mu.Unlock()

	c.scheduler.AddPeer(session)
}
