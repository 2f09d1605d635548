package peersession

import (
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/driptorrent/drip/internal/peerprotocol"
)

// reader decodes wire messages off the connection in its own goroutine and
// forwards them on a channel so the session loop can select over them
// together with its timers.
type reader struct {
	conn        net.Conn
	r           io.Reader
	idleTimeout time.Duration
	messages    chan peerprotocol.Message
	errC        chan error
	stopC       chan struct{}
	doneC       chan struct{}
}

func newReader(conn net.Conn, idleTimeout time.Duration, bucket *ratelimit.Bucket) *reader {
	var r io.Reader = conn
	if bucket != nil {
		r = ratelimit.Reader(conn, bucket)
	}
	return &reader{
		conn:        conn,
		r:           r,
		idleTimeout: idleTimeout,
		messages:    make(chan peerprotocol.Message),
		errC:        make(chan error, 1),
		stopC:       make(chan struct{}),
		doneC:       make(chan struct{}),
	}
}

func (p *reader) stop() {
	close(p.stopC)
}

func (p *reader) run() {
	defer close(p.doneC)
	first := true
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.idleTimeout)); err != nil {
			p.errC <- err
			return
		}
		msg, err := peerprotocol.ReadMessage(p.r)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				err = ErrPeerTimeout
			} else if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = ErrPeerClosed
			}
			p.errC <- err
			return
		}
		if msg == nil { // keep-alive
			continue
		}
		if _, ok := msg.(peerprotocol.BitfieldMessage); ok && !first {
			p.errC <- ErrProtocolViolation
			return
		}
		first = false
		select {
		case p.messages <- msg:
		case <-p.stopC:
			return
		}
	}
}
