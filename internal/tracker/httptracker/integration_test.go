package httptracker_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	fhttp "github.com/chihaya/chihaya/frontend/http"
	"github.com/chihaya/chihaya/middleware"
	"github.com/chihaya/chihaya/storage"
	_ "github.com/chihaya/chihaya/storage/memory"

	"github.com/driptorrent/drip/internal/tracker"
	"github.com/driptorrent/drip/internal/tracker/httptracker"
)

const timeout = 2 * time.Second

func trackerLogic(t *testing.T) *middleware.Logic {
	responseConfig := middleware.ResponseConfig{
		AnnounceInterval: time.Minute,
	}
	ps, err := storage.NewPeerStore("memory", map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	return middleware.NewLogic(responseConfig, ps, nil, nil)
}

func startHTTPTracker(t *testing.T) (stop func()) {
	lgc := trackerLogic(t)
	fe, err := fhttp.NewFrontend(lgc, fhttp.Config{
		Addr:         "127.0.0.1:5000",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return func() {
		errC := fe.Stop()
		err := <-errC
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestAnnounceAgainstRealTracker(t *testing.T) {
	defer startHTTPTracker(t)()

	u, err := url.Parse("http://127.0.0.1:5000/announce")
	if err != nil {
		t.Fatal(err)
	}
	trk := httptracker.New(u, timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Seeder
	req := tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			InfoHash:  [20]byte{6},
			PeerID:    [20]byte{1},
			Port:      1111,
			BytesLeft: 0,
		},
	}
	_, err = trk.Announce(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	// Leecher
	req = tracker.AnnounceRequest{
		Torrent: tracker.Torrent{
			InfoHash:  [20]byte{6},
			PeerID:    [20]byte{2},
			Port:      2222,
			BytesLeft: 1,
		},
		NumWant: 10,
	}
	resp, err := trk.Announce(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Peers) != 1 {
		t.Logf("%#v", resp)
		t.FailNow()
	}
	if resp.Peers[0].Port != 1111 {
		t.Log(resp.Peers[0].String())
		t.FailNow()
	}
}
