package drip

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptorrent/drip/internal/bencode"
	"github.com/driptorrent/drip/internal/peerprotocol"
	"github.com/driptorrent/drip/internal/piecemanager"
)

func TestMain(m *testing.M) {
	// go-metrics starts a process-wide tick goroutine on first meter
	// creation that never exits. Start it and wait until it parks so it
	// lands in leaktest's baseline; unscheduled goroutines show
	// runtime.goexit in their stack and leaktest ignores those.
	metrics.NewMeter()
	for {
		buf := make([]byte, 1<<20)
		if strings.Contains(string(buf[:runtime.Stack(buf, true)]), "(*meterArbiter).tick") {
			break
		}
		runtime.Gosched()
	}
	os.Exit(m.Run())
}

// startSeeder serves every block of data to any peer that connects.
func startSeeder(t *testing.T, data []byte, pieceLength int) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	numPieces := (len(data) + pieceLength - 1) / pieceLength
	bitfieldBytes := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		bitfieldBytes[i/8] |= 0x80 >> uint(i%8)
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(30 * time.Second))
				ih, _, err := peerprotocol.ReadHandshake(conn)
				if err != nil {
					return
				}
				if err := peerprotocol.WriteHandshake(conn, ih, [20]byte{'s'}); err != nil {
					return
				}
				if err := peerprotocol.WriteMessage(conn, peerprotocol.BitfieldMessage{Data: bitfieldBytes}); err != nil {
					return
				}
				if err := peerprotocol.WriteMessage(conn, peerprotocol.UnchokeMessage{}); err != nil {
					return
				}
				for {
					msg, err := peerprotocol.ReadMessage(conn)
					if err != nil {
						return
					}
					req, ok := msg.(peerprotocol.RequestMessage)
					if !ok {
						continue
					}
					begin := int(req.Index)*pieceLength + int(req.Begin)
					block := data[begin : begin+int(req.Length)]
					err = peerprotocol.WriteMessage(conn, peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin, Data: block})
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return l.Addr().String()
}

func startTracker(t *testing.T, peerAddr string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tcp, err := net.ResolveTCPAddr("tcp", peerAddr)
		require.NoError(t, err)
		compact := append([]byte(tcp.IP.To4()), byte(tcp.Port>>8), byte(tcp.Port))
		resp, err := bencode.Encode(map[string]interface{}{
			"interval": int64(60),
			"peers":    compact,
		})
		require.NoError(t, err)
		w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/announce"
}

func writeTorrentFile(t *testing.T, dir, announce, name string, data []byte, pieceLength int) string {
	t.Helper()
	var hashes []byte
	for begin := 0; begin < len(data); begin += pieceLength {
		end := begin + pieceLength
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[begin:end])
		hashes = append(hashes, h[:]...)
	}
	b, err := bencode.Encode(map[string]interface{}{
		"announce": announce,
		"info": map[string]interface{}{
			"name":         name,
			"piece length": int64(pieceLength),
			"pieces":       hashes,
			"length":       int64(len(data)),
		},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, name+".torrent")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestDownloadTorrentToDisk(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	pieceLength := 2 * piecemanager.BlockSize
	data := make([]byte, 2*pieceLength+100)
	_, err := rand.Read(data)
	require.NoError(t, err)

	seederAddr := startSeeder(t, data, pieceLength)
	announce := startTracker(t, seederAddr)

	dir := t.TempDir()
	torrentPath := writeTorrentFile(t, dir, announce, "blob.bin", data, pieceLength)

	cfg := DefaultConfig
	cfg.DownloadDir = dir
	d, err := New(torrentPath, &cfg)
	require.NoError(t, err)
	assert.Equal(t, "blob.bin", d.Name())

	require.NoError(t, d.Run(context.Background()))

	pr := d.Progress()
	assert.Equal(t, pr.TotalPieces, pr.CompletedPieces)

	got, err := os.ReadFile(filepath.Join(dir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestNewRejectsUDPTracker(t *testing.T) {
	dir := t.TempDir()
	path := writeTorrentFile(t, dir, "udp://tracker.example.com:6969", "x.bin", []byte("0123456789"), 5)

	cfg := DefaultConfig
	cfg.DownloadDir = dir
	_, err := New(path, &cfg)
	assert.ErrorIs(t, err, ErrUnsupportedTracker)
}

func TestNewRejectsMalformedTorrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.torrent")
	require.NoError(t, os.WriteFile(path, []byte("not a torrent"), 0o644))

	cfg := DefaultConfig
	cfg.DownloadDir = dir
	_, err := New(path, &cfg)
	assert.Error(t, err)
}
