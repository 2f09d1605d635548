// Package httptracker implements the HTTP tracker announce protocol.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/driptorrent/drip/internal/logger"
	"github.com/driptorrent/drip/internal/tracker"
)

// HTTPTracker announces to a tracker over HTTP GET requests.
type HTTPTracker struct {
	rawURL    string
	url       *url.URL
	log       logger.Logger
	http      *http.Client
	trackerID string
}

var _ tracker.Tracker = (*HTTPTracker)(nil)

// New returns a new HTTPTracker that announces to u.
func New(u *url.URL, timeout time.Duration) *HTTPTracker {
	return &HTTPTracker{
		rawURL: u.String(),
		url:    u,
		log:    logger.New("tracker " + u.Host),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// URL returns the announce URL.
func (t *HTTPTracker) URL() string { return t.rawURL }

// Announce sends an announce request and parses the response.
// The info_hash and peer_id values are percent-encoded as raw bytes by
// url.Values.
func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.Torrent.InfoHash[:]))
	q.Set("peer_id", string(req.Torrent.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Torrent.Port))
	q.Set("uploaded", strconv.FormatInt(req.Torrent.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Torrent.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(req.Torrent.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("no_peer_id", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	if t.trackerID != "" {
		q.Set("trackerid", t.trackerID)
	}

	u := *t.url
	u.RawQuery = q.Encode()
	t.log.Debugf("making announce request to %q", u.String())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tracker status not 200 OK (status: %d body: %q)", resp.StatusCode, string(data))
	}

	var response announceResponse
	if err = bencode.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: %s", tracker.ErrDecode, err.Error())
	}

	if response.FailureReason != "" {
		return nil, &tracker.Error{FailureReason: response.FailureReason}
	}
	if response.WarningMessage != "" {
		t.log.Warning(response.WarningMessage)
	}
	if response.TrackerID != "" {
		t.trackerID = response.TrackerID
	}

	peers, err := parsePeers(response.Peers)
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval:       time.Duration(response.Interval) * time.Second,
		MinInterval:    time.Duration(response.MinInterval) * time.Second,
		Leechers:       response.Incomplete,
		Seeders:        response.Complete,
		WarningMessage: response.WarningMessage,
		Peers:          peers,
	}, nil
}

// parsePeers handles both the compact byte-string format and the list of
// dictionaries format. An unknown encoding yields an empty roster, not an
// error.
func parsePeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch {
	case raw[0] == 'l':
		return parsePeersDictionary(raw)
	case raw[0] >= '0' && raw[0] <= '9':
		var b []byte
		if err := bencode.DecodeBytes(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %s", tracker.ErrDecode, err.Error())
		}
		return tracker.DecodePeersCompact(b)
	default:
		// Unknown peer list encoding. Treat as an empty roster.
		return nil, nil
	}
}

func parsePeersDictionary(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	var peers []struct {
		IP   string `bencode:"ip"`
		Port uint16 `bencode:"port"`
	}
	if err := bencode.DecodeBytes(raw, &peers); err != nil {
		return nil, fmt.Errorf("%w: %s", tracker.ErrDecode, err.Error())
	}
	addrs := make([]*net.TCPAddr, 0, len(peers))
	for _, p := range peers {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(p.Port)})
	}
	return addrs, nil
}
