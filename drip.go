// Package drip downloads a single torrent from an HTTP tracker swarm.
// It ties together the metainfo parser, the tracker client, the piece
// manager and the peer session pool behind a small facade.
package drip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/cenkalti/log"
	"github.com/juju/ratelimit"

	"github.com/driptorrent/drip/internal/downloader"
	"github.com/driptorrent/drip/internal/logger"
	"github.com/driptorrent/drip/internal/metainfo"
	"github.com/driptorrent/drip/internal/peersession"
	"github.com/driptorrent/drip/internal/piecemanager"
	"github.com/driptorrent/drip/internal/storage/filestorage"
	"github.com/driptorrent/drip/internal/tracker/httptracker"
)

// Version of client. Set during build with -ldflags.
var Version = "0.0.0"

// peerIDPrefix is Azureus-style, registered as "drip".
const peerIDPrefix = "-DR0001-"

const announceTimeout = 30 * time.Second

// ErrUnsupportedTracker is returned for announce URLs with a scheme other
// than http or https.
var ErrUnsupportedTracker = errors.New("unsupported tracker scheme")

// SetLogLevel changes the level of all loggers in the program.
func SetLogLevel(l log.Level) {
	logger.SetLevel(l)
}

// Download is a single torrent being downloaded to disk.
type Download struct {
	meta   *metainfo.MetaInfo
	peerID [20]byte
	pm     *piecemanager.PieceManager
	d      *downloader.Downloader
	log    logger.Logger
}

// New parses the torrent file at path and prepares a download into
// cfg.DownloadDir. Files are created immediately; data transfer starts
// with Run.
func New(path string, cfg *Config) (*Download, error) {
	if cfg == nil {
		c := DefaultConfig
		cfg = &c
	}
	cfg.fillDefaults()

	meta, err := metainfo.Open(path)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(meta.Announce)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTracker, u.Scheme)
	}
	trk := httptracker.New(u, announceTimeout)

	sto, err := filestorage.New(cfg.DownloadDir, &meta.Info)
	if err != nil {
		return nil, err
	}
	pm := piecemanager.New(&meta.Info, sto, cfg.MaxPeerSessions)

	dcfg := downloader.DefaultConfig
	dcfg.MaxPeerSessions = cfg.MaxPeerSessions
	dcfg.NumWant = cfg.NumWant
	dcfg.Port = cfg.Port
	dcfg.Session = peersession.Config{
		Window:            cfg.RequestWindow,
		DialTimeout:       cfg.DialTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}
	if cfg.DownloadRateLimit > 0 {
		dcfg.Session.ReadBucket = ratelimit.NewBucketWithRate(float64(cfg.DownloadRateLimit), cfg.DownloadRateLimit)
	}

	peerID := generatePeerID()
	return &Download{
		meta:   meta,
		peerID: peerID,
		pm:     pm,
		d:      downloader.New(&meta.Info, trk, pm, sto, peerID, dcfg),
		log:    logger.New("download " + meta.Info.Name),
	}, nil
}

// Run downloads the torrent until completion, failure or cancellation.
// On a nil return all pieces are verified and flushed to disk.
func (d *Download) Run(ctx context.Context) error {
	d.log.Infof("downloading %q: %d pieces, %d bytes", d.meta.Info.Name, d.meta.Info.NumPieces, d.meta.Info.TotalLength)
	return d.d.Run(ctx)
}

// Progress returns a snapshot of the download state.
func (d *Download) Progress() piecemanager.Progress {
	return d.pm.Progress()
}

// Name returns the display name of the torrent.
func (d *Download) Name() string {
	return d.meta.Info.Name
}

// InfoHash returns the torrent's info hash.
func (d *Download) InfoHash() [20]byte {
	return d.meta.Info.Hash
}

func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i := len(peerIDPrefix); i < len(id); i++ {
		id[i] = chars[rand.Intn(len(chars))]
	}
	return id
}
