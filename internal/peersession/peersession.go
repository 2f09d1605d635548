// Package peersession drives the download protocol over a single peer
// connection: handshake, interest, and a sliding window of block requests
// whose results are streamed back into the piece manager.
package peersession

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"

	"github.com/driptorrent/drip/internal/bitfield"
	"github.com/driptorrent/drip/internal/logger"
	"github.com/driptorrent/drip/internal/peerprotocol"
	"github.com/driptorrent/drip/internal/piecemanager"
)

var (
	// ErrPeerClosed means the peer closed the connection.
	ErrPeerClosed = errors.New("peer closed the connection")

	// ErrPeerTimeout means no traffic arrived for the idle timeout.
	ErrPeerTimeout = errors.New("no message from peer within idle timeout")

	// ErrPeerStalled means a request went unanswered twice.
	ErrPeerStalled = errors.New("peer did not answer a reissued request")

	// ErrInfoHashMismatch means the peer handshook for another torrent.
	ErrInfoHashMismatch = errors.New("info hash mismatch in handshake")

	// ErrProtocolViolation means the peer broke a protocol rule, such as
	// sending a bitfield after the first message or an out-of-range index.
	ErrProtocolViolation = errors.New("peer protocol violation")

	// ErrNoMutualWork means the peer has none of the pieces still needed.
	// The peer is healthy; the caller may retry it later.
	ErrNoMutualWork = errors.New("peer has no pieces we need")
)

// Config holds the per-session knobs.
type Config struct {
	Window            int
	DialTimeout       time.Duration
	RequestTimeout    time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	// optional limit on download rate, shared between sessions
	ReadBucket *ratelimit.Bucket
}

var DefaultConfig = Config{
	Window:            5,
	DialTimeout:       10 * time.Second,
	RequestTimeout:    30 * time.Second,
	IdleTimeout:       2 * time.Minute,
	KeepAliveInterval: 90 * time.Second,
}

const writeTimeout = 10 * time.Second

// how often pending requests are checked against RequestTimeout
const requestTickInterval = time.Second

type pendingRequest struct {
	sentAt   time.Time
	reissued bool
}

// Session owns one peer connection. All protocol state lives in the Run
// goroutine; the only shared collaborator is the piece manager.
type Session struct {
	conn     net.Conn
	addr     string
	pm       *piecemanager.PieceManager
	infoHash [20]byte
	peerID   [20]byte
	cfg      Config
	log      logger.Logger

	choked  bool
	has     *bitfield.Bitfield
	pending map[peerprotocol.RequestMessage]*pendingRequest

	unexpectedPiece metrics.Counter
}

// New prepares a session for the peer at addr. The connection is made in Run.
func New(addr string, pm *piecemanager.PieceManager, infoHash, peerID [20]byte, numPieces uint32, cfg Config) *Session {
	return &Session{
		addr:            addr,
		pm:              pm,
		infoHash:        infoHash,
		peerID:          peerID,
		cfg:             cfg,
		log:             logger.New("peer " + addr),
		choked:          true,
		has:             bitfield.New(numPieces),
		pending:         make(map[peerprotocol.RequestMessage]*pendingRequest),
		unexpectedPiece: metrics.GetOrRegisterCounter("blocks.unexpected", nil),
	}
}

// Run connects, handshakes and downloads until the torrent is done, the
// context is cancelled, or the peer fails. A nil return means the session
// ended cleanly with nothing left to ask this peer for. All reservations are
// recycled before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer s.pm.Abandon(s.addr)

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := d.DialContext(dialCtx, "tcp", s.addr)
	cancel()
	if err != nil {
		return err
	}
	s.conn = conn
	defer conn.Close()

	if err = s.handshake(); err != nil {
		return err
	}
	if err = s.send(peerprotocol.InterestedMessage{}); err != nil {
		return err
	}

	r := newReader(conn, s.cfg.IdleTimeout, s.cfg.ReadBucket)
	go r.run()
	defer func() {
		r.stop()
		conn.Close()
		<-r.doneC
	}()

	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()
	requestTick := time.NewTicker(requestTickInterval)
	defer requestTick.Stop()

	for {
		select {
		case msg := <-r.messages:
			done, err := s.handleMessage(msg)
			if done || err != nil {
				return err
			}
		case err := <-r.errC:
			return err
		case <-requestTick.C:
			if err := s.checkRequestTimeouts(); err != nil {
				return err
			}
		case <-keepAlive.C:
			if err := s.sendKeepAlive(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) handshake() error {
	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout)); err != nil {
		return err
	}
	if err := peerprotocol.WriteHandshake(s.conn, s.infoHash, s.peerID); err != nil {
		return err
	}
	ih, id, err := peerprotocol.ReadHandshake(s.conn)
	if err != nil {
		return err
	}
	if ih != s.infoHash {
		return ErrInfoHashMismatch
	}
	s.log.Debugf("handshake complete, remote id %q", id[:8])
	return s.conn.SetDeadline(time.Time{})
}

// handleMessage applies one incoming message to the session state. The bool
// result is true when the torrent finished and the session should end.
func (s *Session) handleMessage(msg peerprotocol.Message) (bool, error) {
	switch m := msg.(type) {
	case peerprotocol.ChokeMessage:
		// In-flight requests are implicitly cancelled. Recycle them so
		// other sessions can pick them up while we wait for Unchoke.
		s.choked = true
		s.pending = make(map[peerprotocol.RequestMessage]*pendingRequest)
		s.pm.Abandon(s.addr)
	case peerprotocol.UnchokeMessage:
		s.choked = false
		return s.fillWindow()
	case peerprotocol.HaveMessage:
		if m.Index >= s.has.Len() {
			return false, ErrProtocolViolation
		}
		s.has.Set(m.Index)
		if !s.choked {
			return s.fillWindow()
		}
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.Parse(m.Data, s.has.Len())
		if err != nil {
			return false, ErrProtocolViolation
		}
		s.has = bf
		if !s.choked {
			return s.fillWindow()
		}
	case peerprotocol.PieceMessage:
		return s.handlePiece(m)
	case peerprotocol.InterestedMessage, peerprotocol.NotInterestedMessage, peerprotocol.RequestMessage, peerprotocol.CancelMessage:
		// Upload-side traffic. We never unchoke anyone, so ignore.
	}
	return false, nil
}

func (s *Session) handlePiece(m peerprotocol.PieceMessage) (bool, error) {
	key := peerprotocol.RequestMessage{Index: m.Index, Begin: m.Begin, Length: uint32(len(m.Data))}
	if _, ok := s.pending[key]; !ok {
		s.unexpectedPiece.Inc(1)
		s.log.Debugf("dropping unexpected block %d/%d", m.Index, m.Begin)
		return false, nil
	}
	delete(s.pending, key)
	err := s.pm.Deliver(m.Index, m.Begin, m.Data, s.addr)
	switch {
	case err == nil:
	case errors.Is(err, piecemanager.ErrPieceHashMismatch):
		s.log.Warningf("piece %d failed verification", m.Index)
	default:
		return false, err
	}
	if s.pm.Done() {
		return true, nil
	}
	if s.choked {
		return false, nil
	}
	return s.fillWindow()
}

// fillWindow reserves and sends requests until W are in flight. An empty
// reservation with nothing pending means this peer cannot help anymore.
func (s *Session) fillWindow() (bool, error) {
	for len(s.pending) < s.cfg.Window {
		batch := s.pm.ReserveBatch(s.cfg.Window-len(s.pending), s.has, s.addr)
		if len(batch) == 0 {
			if s.pm.Done() {
				return true, nil
			}
			if len(s.pending) == 0 {
				return false, ErrNoMutualWork
			}
			return false, nil
		}
		for _, b := range batch {
			req := peerprotocol.RequestMessage{Index: b.Index, Begin: b.Begin, Length: b.Length}
			if err := s.send(req); err != nil {
				return false, err
			}
			s.pending[req] = &pendingRequest{sentAt: time.Now()}
		}
	}
	return false, nil
}

// checkRequestTimeouts reissues each timed-out request once; a request that
// times out twice means the peer stalled.
func (s *Session) checkRequestTimeouts() error {
	if s.choked {
		return nil
	}
	now := time.Now()
	for req, p := range s.pending {
		if now.Sub(p.sentAt) < s.cfg.RequestTimeout {
			continue
		}
		if p.reissued {
			return ErrPeerStalled
		}
		s.log.Debugf("reissuing request %d/%d", req.Index, req.Begin)
		if err := s.send(req); err != nil {
			return err
		}
		p.sentAt = now
		p.reissued = true
	}
	return nil
}

func (s *Session) send(msg peerprotocol.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return peerprotocol.WriteMessage(s.conn, msg)
}

func (s *Session) sendKeepAlive() error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return peerprotocol.WriteKeepAlive(s.conn)
}
