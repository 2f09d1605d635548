package httptracker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptorrent/drip/internal/tracker"
)

const testTimeout = 2 * time.Second

func announceTo(t *testing.T, body string, check func(r *http.Request)) (*tracker.AnnounceResponse, error) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL + "/announce")
	require.NoError(t, err)

	trk := New(u, testTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return trk.Announce(ctx, tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			InfoHash:  [20]byte{0x12, 0x34, 0xFF},
			PeerID:    [20]byte{'-', 'D', 'R', '0', '0', '0', '1', '-'},
			Port:      6881,
			BytesLeft: 1000,
		},
		Event:   tracker.EventStarted,
		NumWant: 50,
	})
}

func TestAnnounceCompactPeers(t *testing.T) {
	resp, err := announceTo(t, "d8:intervali1800e5:peers6:\xC0\xA8\x01\x01\x1A\xE1e", func(r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, string([]byte{0x12, 0x34, 0xFF, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}), q.Get("info_hash"))
		assert.Equal(t, "started", q.Get("event"))
		assert.Equal(t, "6881", q.Get("port"))
		assert.Equal(t, "1000", q.Get("left"))
		assert.Equal(t, "0", q.Get("downloaded"))
		assert.Equal(t, "50", q.Get("numwant"))
	})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.True(t, resp.Peers[0].IP.Equal(net.IPv4(192, 168, 1, 1)))
	assert.Equal(t, 6881, resp.Peers[0].Port)
}

func TestAnnounceDictionaryPeers(t *testing.T) {
	resp, err := announceTo(t, "d8:intervali900e5:peersld2:ip11:192.168.1.24:porti6882eeee", nil)
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.True(t, resp.Peers[0].IP.Equal(net.IPv4(192, 168, 1, 2)))
	assert.Equal(t, 6882, resp.Peers[0].Port)
}

func TestAnnounceUnknownPeerEncoding(t *testing.T) {
	resp, err := announceTo(t, "d8:intervali900e5:peersi42ee", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Peers)
}

func TestAnnounceFailureReason(t *testing.T) {
	_, err := announceTo(t, "d14:failure reason14:torrent absente", nil)
	var trkErr *tracker.Error
	require.ErrorAs(t, err, &trkErr)
	assert.Equal(t, "torrent absent", trkErr.FailureReason)
}

func TestAnnounceMalformedResponse(t *testing.T) {
	_, err := announceTo(t, "this is not bencode", nil)
	assert.ErrorIs(t, err, tracker.ErrDecode)
}

func TestAnnounceUnreachable(t *testing.T) {
	u, err := url.Parse("http://127.0.0.1:1/announce")
	require.NoError(t, err)
	trk := New(u, 100*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = trk.Announce(ctx, tracker.AnnounceRequest{})
	assert.Error(t, err)
}
