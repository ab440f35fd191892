package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

// httpTrackerResponse mirrors the bencoded dictionary an HTTP tracker
// replies with (spec.md §4.2): either a compact peers string, or a list of
// peer dictionaries.
type httpTrackerResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

func (c *Client) announceHTTP(ctx context.Context, announceURL string, req AnnounceRequest) (*AnnounceResult, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing %q: %w", announceURL, err)
	}

	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if ev := req.Event.queryValue(); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "leech/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tracker: HTTP request to %q: %w", announceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: HTTP status %d from %q", resp.StatusCode, announceURL)
	}

	var tr httpTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("tracker: decoding response from %q: %w", announceURL, err)
	}
	if tr.FailureReason != "" {
		return nil, fmt.Errorf("tracker: %q reported failure: %s", announceURL, tr.FailureReason)
	}

	peers, err := decodeHTTPPeers(tr.Peers)
	if err != nil {
		return nil, fmt.Errorf("tracker: decoding peers from %q: %w", announceURL, err)
	}

	return &AnnounceResult{
		Interval: time.Duration(tr.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// decodeHTTPPeers accepts either representation spec.md §4.2 allows: a
// compact 6-byte-per-peer string, or a list of {ip, port} dictionaries.
func decodeHTTPPeers(raw interface{}) ([]PeerAddr, error) {
	switch v := raw.(type) {
	case string:
		return decodeCompactPeers([]byte(v))
	case []byte:
		return decodeCompactPeers(v)
	case []interface{}:
		peers := make([]PeerAddr, 0, len(v))
		for _, entry := range v {
			dict, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected peer list entry type %T", entry)
			}
			ipStr, _ := dict["ip"].(string)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				return nil, fmt.Errorf("invalid peer ip %q", ipStr)
			}
			portVal, _ := dict["port"].(int64)
			peers = append(peers, PeerAddr{IP: ip, Port: uint16(portVal)})
		}
		return peers, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported peers field type %T", raw)
	}
}

func decodeCompactPeers(raw []byte) ([]PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(raw))
	}

	peers := make([]PeerAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}
