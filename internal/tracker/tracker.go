// Package tracker implements the tier-policy tracker client of spec.md
// §4.2: it contacts HTTP and UDP trackers in announce-list order and
// yields a unioned, de-duplicated stream of peer addresses.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PeerAddr is a peer's dialable address.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Event is the tracker announce "event" parameter.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) queryValue() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// udpAction maps Event to the BEP-15 event code, which numbers the events
// differently from Event (0 none, 1 completed, 2 started, 3 stopped).
func (e Event) udpAction() uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// AnnounceRequest is the tracker-agnostic request the HTTP and UDP
// backends both serve (spec.md §4.2).
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// AnnounceResult is the tracker-agnostic response.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []PeerAddr
	Leechers int
	Seeders  int
}

// Client holds announce tiers and per-session tracker state (the BEP-15
// "key" field, and which UDP trackers have gone permanently dead this
// session after four timed-out attempts).
type Client struct {
	tiers      [][]string
	httpClient *http.Client
	sessionKey uint32
	deadUDP    map[string]bool
	logger     *logrus.Entry
}

// NewClient builds a tracker client over the given announce tiers
// (spec.md §3's announce_list). The client keeps its own copy of tiers,
// which Announce reorders as trackers succeed (tier-head promotion,
// spec.md §4.2); the caller's slice is left unchanged.
func NewClient(tiers [][]string, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	// The BEP-15 "key" field only needs to look random and stable for the
	// session; google/uuid (carried from the teacher's go.mod, see
	// DESIGN.md) is an easy source of that randomness without a second
	// crypto/rand call site.
	u := uuid.New()
	key := uint32(u[0])<<24 | uint32(u[1])<<16 | uint32(u[2])<<8 | uint32(u[3])

	// Defensive copy: tier mutation (promotion) should not alias a slice
	// the caller still holds.
	owned := make([][]string, len(tiers))
	for i, tier := range tiers {
		owned[i] = append([]string(nil), tier...)
	}

	return &Client{
		tiers:      owned,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		sessionKey: key,
		deadUDP:    make(map[string]bool),
		logger:     logger.WithField("component", "tracker"),
	}
}

// Announce walks the tiers in order, trying each tracker within a tier in
// order, promoting the first to succeed to that tier's head, and unions
// peers across trackers until target unique addresses are collected or
// every tier has been consulted (spec.md §4.2).
func (c *Client) Announce(ctx context.Context, req AnnounceRequest, target int) (*AnnounceResult, error) {
	seen := make(map[string]PeerAddr)
	minInterval := time.Duration(0)
	var leechers, seeders int
	var lastErr error
	contacted := false

	for tierIdx, tier := range c.tiers {
		for i, url := range tier {
			if isUDP(url) && c.deadUDP[url] {
				continue
			}

			res, err := c.announceOne(ctx, url, req)
			if err != nil {
				lastErr = err
				c.logger.WithError(err).WithField("tracker", url).Warn("announce failed")
				continue
			}

			contacted = true
			c.promote(tierIdx, i)

			for _, p := range res.Peers {
				seen[p.String()] = p
			}
			if minInterval == 0 || res.Interval < minInterval {
				minInterval = res.Interval
			}
			leechers += res.Leechers
			seeders += res.Seeders

			break // tier satisfied by its first success; move to next tier if more peers are wanted
		}

		if len(seen) >= target {
			break
		}
	}

	if !contacted {
		if lastErr != nil {
			return nil, fmt.Errorf("tracker: no tracker reachable: %w", lastErr)
		}
		return nil, fmt.Errorf("tracker: no trackers configured")
	}

	peers := make([]PeerAddr, 0, len(seen))
	for _, p := range seen {
		peers = append(peers, p)
	}

	if minInterval == 0 {
		minInterval = 30 * time.Minute
	}

	return &AnnounceResult{Interval: minInterval, Peers: peers, Leechers: leechers, Seeders: seeders}, nil
}

func (c *Client) announceOne(ctx context.Context, url string, req AnnounceRequest) (*AnnounceResult, error) {
	switch {
	case isHTTP(url):
		return c.announceHTTP(ctx, url, req)
	case isUDP(url):
		res, err := c.announceUDP(ctx, url, req)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			c.deadUDP[url] = true
		}
		return res, err
	default:
		return nil, fmt.Errorf("tracker: unsupported announce URL scheme: %q", url)
	}
}

// promote moves tier[idx] to the front of that tier, per spec.md §4.2:
// "on success, promote that tracker to the tier's head for subsequent
// announces."
func (c *Client) promote(tierIdx, idx int) {
	tier := c.tiers[tierIdx]
	if idx == 0 {
		return
	}
	url := tier[idx]
	copy(tier[1:idx+1], tier[0:idx])
	tier[0] = url
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func isUDP(url string) bool {
	return strings.HasPrefix(url, "udp://")
}
