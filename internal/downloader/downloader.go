// Package downloader coordinates a whole download: it announces to the
// tracker, keeps the peer roster and runs a bounded pool of peer sessions
// until every piece is verified.
package downloader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/driptorrent/drip/internal/logger"
	"github.com/driptorrent/drip/internal/metainfo"
	"github.com/driptorrent/drip/internal/peerprotocol"
	"github.com/driptorrent/drip/internal/peersession"
	"github.com/driptorrent/drip/internal/piecemanager"
	"github.com/driptorrent/drip/internal/semaphore"
	"github.com/driptorrent/drip/internal/storage"
	"github.com/driptorrent/drip/internal/tracker"
)

var (
	// ErrSwarmExhausted means every known peer failed and a re-announce
	// produced no new ones.
	ErrSwarmExhausted = errors.New("no more peers to download from")

	// ErrTrackerUnreachable means the initial announce failed after
	// retries.
	ErrTrackerUnreachable = errors.New("tracker is unreachable")
)

const (
	// transport failures cost a retry each; the peer is dropped after this
	// many
	maxTransportAttempts = 3
	// a stalled or idle peer is retried once
	maxTimeoutAttempts = 2
	// base delay before retrying a failed peer, doubled per failure
	retryDelay = 2 * time.Second
)

// Config holds the coordinator knobs.
type Config struct {
	// maximum number of concurrent peer sessions
	MaxPeerSessions int
	// number of peers to ask from the tracker
	NumWant int
	// local port reported to the tracker
	Port int
	// per-announce HTTP deadline is owned by the tracker client; this
	// caps the retry budget of the initial announce
	AnnounceMaxElapsedTime time.Duration

	Session peersession.Config
}

var DefaultConfig = Config{
	MaxPeerSessions:        10,
	NumWant:                50,
	Port:                   6881,
	AnnounceMaxElapsedTime: 2 * time.Minute,
	Session:                peersession.DefaultConfig,
}

// Downloader drives one torrent to completion.
type Downloader struct {
	info     *metainfo.Info
	trk      tracker.Tracker
	pm       *piecemanager.PieceManager
	sto      storage.Storage
	peerID   [20]byte
	cfg      Config
	log      logger.Logger
	sessions *semaphore.Semaphore

	// idle peers in round-robin order
	roster []rosterEntry
	// consecutive failures per peer
	failures map[string]int
	// peers dropped for good; never re-added
	dead map[string]struct{}
	// every peer ever accepted from an announce and not forgotten; used to
	// filter announce responses and to count busy sessions
	known map[string]struct{}
}

type rosterEntry struct {
	addr string
	// earliest time the peer may be dialed again
	notBefore time.Time
}

type sessionResult struct {
	addr string
	err  error
}

// New prepares a downloader over an already-built piece manager and storage.
func New(info *metainfo.Info, trk tracker.Tracker, pm *piecemanager.PieceManager, sto storage.Storage, peerID [20]byte, cfg Config) *Downloader {
	return &Downloader{
		info:     info,
		trk:      trk,
		pm:       pm,
		sto:      sto,
		peerID:   peerID,
		cfg:      cfg,
		log:      logger.New("downloader"),
		sessions: semaphore.New(cfg.MaxPeerSessions),
		failures: make(map[string]int),
		dead:     make(map[string]struct{}),
		known:    make(map[string]struct{}),
	}
}

// Run downloads the torrent. It returns nil once every piece is verified and
// the storage is finalized. It returns ErrSwarmExhausted, ErrTrackerUnreachable
// or piecemanager.ErrSwarmCorrupt when the download cannot finish, and the
// context error on cancellation. All spawned sessions are waited for before
// Run returns.
func (d *Downloader) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan sessionResult, d.cfg.MaxPeerSessions)

	if err := d.announce(ctx, tracker.EventStarted); err != nil {
		return err
	}

	for {
		if d.pm.Done() {
			cancel()
			wg.Wait()
			d.logProgress()
			if err := d.sto.Finalize(); err != nil {
				return err
			}
			d.announceCompleted()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-results:
			if err := d.handleResult(res); err != nil {
				cancel()
				wg.Wait()
				return err
			}
		case <-d.sessions.Tokens:
			addr, err := d.nextPeer(ctx)
			if err != nil {
				d.sessions.Release()
				if d.pm.Done() {
					continue
				}
				return err
			}
			if addr == "" {
				// all remaining peers are busy; wait for one to end
				d.sessions.Release()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case res := <-results:
					if err := d.handleResult(res); err != nil {
						cancel()
						wg.Wait()
						return err
					}
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer d.sessions.Release()
				s := peersession.New(addr, d.pm, d.info.Hash, d.peerID, d.info.NumPieces, d.cfg.Session)
				err := s.Run(sessionCtx)
				select {
				case results <- sessionResult{addr: addr, err: err}:
				case <-ctx.Done():
				}
			}()
		}
	}
}

// handleResult classifies a finished session. Protocol violations drop the
// peer immediately; transport errors and timeouts leave it retryable with a
// growing delay; a peer with no mutual work goes back to the tracker's
// mercy; swarm corruption aborts the download.
func (d *Downloader) handleResult(res sessionResult) error {
	switch {
	case res.err == nil:
		d.failures[res.addr] = 0
		d.requeue(res.addr, 0)
	case errors.Is(res.err, piecemanager.ErrSwarmCorrupt):
		return res.err
	case errors.Is(res.err, context.Canceled):
		// session was cancelled during shutdown
	case errors.Is(res.err, peersession.ErrNoMutualWork):
		// not a failure; forget the peer but let a later announce
		// bring it back
		delete(d.known, res.addr)
	case errors.Is(res.err, peersession.ErrPeerStalled),
		errors.Is(res.err, peersession.ErrPeerTimeout):
		d.retryOrDrop(res.addr, res.err, maxTimeoutAttempts)
	case errors.Is(res.err, peersession.ErrProtocolViolation),
		errors.Is(res.err, peersession.ErrInfoHashMismatch),
		errors.Is(res.err, peerprotocol.ErrInvalidProtocol),
		errors.Is(res.err, peerprotocol.ErrUnknownID),
		errors.Is(res.err, peerprotocol.ErrInvalidLength):
		d.drop(res.addr, res.err)
	default:
		d.retryOrDrop(res.addr, res.err, maxTransportAttempts)
	}
	return nil
}

func (d *Downloader) requeue(addr string, delay time.Duration) {
	d.roster = append(d.roster, rosterEntry{addr: addr, notBefore: time.Now().Add(delay)})
}

func (d *Downloader) retryOrDrop(addr string, err error, maxAttempts int) {
	d.failures[addr]++
	n := d.failures[addr]
	if n >= maxAttempts {
		d.drop(addr, err)
		return
	}
	delay := retryDelay << uint(n-1)
	d.log.Debugf("peer %s failed (%s), retry in %s", addr, err, delay)
	d.requeue(addr, delay)
}

func (d *Downloader) drop(addr string, err error) {
	d.log.Debugf("removing peer %s: %s", addr, err)
	d.dead[addr] = struct{}{}
}

// busyPeers is the number of peers currently owned by a session.
func (d *Downloader) busyPeers() int {
	return len(d.known) - len(d.dead) - len(d.roster)
}

// nextPeer pops the next idle peer whose retry delay has passed,
// re-announcing when no peer is left at all. An empty address with nil error
// means every available peer is currently busy in a session.
func (d *Downloader) nextPeer(ctx context.Context) (string, error) {
	for {
		if len(d.roster) == 0 {
			if d.busyPeers() > 0 {
				return "", nil
			}
			if err := d.announce(ctx, tracker.EventNone); err != nil {
				return "", err
			}
			if len(d.roster) == 0 {
				return "", ErrSwarmExhausted
			}
		}
		now := time.Now()
		for i := range d.roster {
			if d.roster[i].notBefore.After(now) {
				continue
			}
			addr := d.roster[i].addr
			d.roster = append(d.roster[:i], d.roster[i+1:]...)
			return addr, nil
		}
		// every idle peer is in its retry delay
		if d.busyPeers() > 0 {
			return "", nil
		}
		earliest := d.roster[0].notBefore
		for _, e := range d.roster[1:] {
			if e.notBefore.Before(earliest) {
				earliest = e.notBefore
			}
		}
		t := time.NewTimer(time.Until(earliest))
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// announce asks the tracker for peers with exponential backoff and merges
// the new ones into the roster.
func (d *Downloader) announce(ctx context.Context, event tracker.Event) error {
	req := tracker.AnnounceRequest{
		Torrent: d.trackerTorrent(),
		Event:   event,
		NumWant: d.cfg.NumWant,
	}
	var resp *tracker.AnnounceResponse
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      d.cfg.AnnounceMaxElapsedTime,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	err := backoff.Retry(func() error {
		var aerr error
		resp, aerr = d.trk.Announce(ctx, req)
		var terr *tracker.Error
		if errors.As(aerr, &terr) {
			// the tracker rejected us; retrying will not help
			return backoff.Permanent(aerr)
		}
		return aerr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var terr *tracker.Error
		if errors.As(err, &terr) {
			return err
		}
		d.log.Errorf("announce to %s failed: %s", d.trk.URL(), err)
		return ErrTrackerUnreachable
	}
	for _, p := range resp.Peers {
		addr := p.String()
		if _, ok := d.known[addr]; ok {
			continue
		}
		if _, ok := d.dead[addr]; ok {
			continue
		}
		d.known[addr] = struct{}{}
		d.requeue(addr, 0)
	}
	d.log.Infof("tracker returned %d peers, roster size %d", len(resp.Peers), len(d.roster))
	return nil
}

// announceCompleted tells the tracker the download finished. Failures are
// logged and ignored; the data is already on disk.
func (d *Downloader) announceCompleted() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req := tracker.AnnounceRequest{
		Torrent: d.trackerTorrent(),
		Event:   tracker.EventCompleted,
	}
	if _, err := d.trk.Announce(ctx, req); err != nil {
		d.log.Debugf("completed announce failed: %s", err)
	}
}

func (d *Downloader) trackerTorrent() tracker.Torrent {
	pr := d.pm.Progress()
	return tracker.Torrent{
		BytesDownloaded: pr.BytesCompleted,
		BytesLeft:       pr.TotalBytes - pr.BytesCompleted,
		InfoHash:        d.info.Hash,
		PeerID:          d.peerID,
		Port:            d.cfg.Port,
	}
}

func (d *Downloader) logProgress() {
	pr := d.pm.Progress()
	d.log.Infof("download complete: %d/%d pieces, %d bytes", pr.CompletedPieces, pr.TotalPieces, pr.BytesCompleted)
}
