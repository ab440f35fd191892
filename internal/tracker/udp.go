package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

const (
	udpProtocolMagic  = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3

	udpMaxRetries = 4 // n in {0,1,2,3} per spec.md §4.2
)

// udpTimeout implements the BEP-15 backoff schedule: 15 * 2^n seconds.
func udpTimeout(n int) time.Duration {
	return 15 * time.Second * (1 << uint(n))
}

// announceUDP performs the two-step BEP-15 exchange (spec.md §4.2):
// connect, then announce, each retried up to udpMaxRetries times with
// exponential backoff before the tracker is given up on for this session.
func (c *Client) announceUDP(ctx context.Context, announceURL string, req AnnounceRequest) (*AnnounceResult, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing %q: %w", announceURL, err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolving %q: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dialing %q: %w", addr, err)
	}
	defer conn.Close()

	connID, err := c.udpConnect(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("tracker: connect to %q: %w", announceURL, err)
	}

	return c.udpAnnounce(ctx, conn, connID, req)
}

func (c *Client) udpConnect(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	txID := rand.Uint32()

	var req [16]byte
	binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp := make([]byte, 16)
	n, err := c.udpExchange(ctx, conn, req[:], resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return 0, fmt.Errorf("transaction id mismatch: got %d want %d", gotTxID, txID)
	}
	if action == udpActionError {
		return 0, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if action != udpActionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (c *Client) udpAnnounce(ctx context.Context, conn *net.UDPConn, connID uint64, req AnnounceRequest) (*AnnounceResult, error) {
	txID := rand.Uint32()

	var out [98]byte
	binary.BigEndian.PutUint64(out[0:8], connID)
	binary.BigEndian.PutUint32(out[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(out[12:16], txID)
	copy(out[16:36], req.InfoHash[:])
	copy(out[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(out[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(out[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(out[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(out[80:84], req.Event.udpAction())
	binary.BigEndian.PutUint32(out[84:88], 0) // IP, 0 = use source address
	binary.BigEndian.PutUint32(out[88:92], c.sessionKey)
	numWant := req.NumWant
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(out[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(out[96:98], req.Port)

	resp := make([]byte, 20+6*1000) // room for up to 1000 compact peers
	n, err := c.udpExchange(ctx, conn, out[:], resp)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return nil, fmt.Errorf("transaction id mismatch: got %d want %d", gotTxID, txID)
	}
	if action == udpActionError {
		return nil, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("unexpected announce action %d", action)
	}

	interval := time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))

	peers, err := decodeCompactPeers(resp[20:n])
	if err != nil {
		return nil, fmt.Errorf("decoding peers: %w", err)
	}

	return &AnnounceResult{Interval: interval, Peers: peers, Leechers: leechers, Seeders: seeders}, nil
}

// udpExchange sends req and waits for a response, retrying up to
// udpMaxRetries times with the 15*2^n backoff spec.md §4.2 specifies.
// Returns the number of bytes read into resp.
func (c *Client) udpExchange(ctx context.Context, conn *net.UDPConn, req []byte, resp []byte) (int, error) {
	var lastErr error

	for attempt := 0; attempt < udpMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		deadline := time.Now().Add(udpTimeout(attempt))
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		conn.SetDeadline(deadline)

		if _, err := conn.Write(req); err != nil {
			lastErr = fmt.Errorf("write: %w", err)
			continue
		}

		n, err := conn.Read(resp)
		if err != nil {
			lastErr = fmt.Errorf("read: %w", err)
			continue
		}

		return n, nil
	}

	return 0, fmt.Errorf("no response after %d attempts: %w", udpMaxRetries, lastErr)
}
