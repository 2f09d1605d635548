// Package tracker provides support for announcing torrents to HTTP trackers.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"
)

// Tracker announces a transfer and returns the peers in the swarm.
type Tracker interface {
	// Announce transfer to the tracker.
	// Announce should be called periodically with the interval returned in
	// AnnounceResponse and on the events defined in Event.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	// URL of the tracker.
	URL() string
}

// AnnounceRequest is the parameters of a single announce.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// AnnounceResponse contains the parsed response of an announce.
type AnnounceResponse struct {
	Interval       time.Duration
	MinInterval    time.Duration
	Leechers       int32
	Seeders        int32
	WarningMessage string
	Peers          []*net.TCPAddr
}

// Torrent contains the transfer stats that are sent in an announce request.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}

// ErrDecode is returned when a tracker response cannot be parsed.
var ErrDecode = errors.New("cannot decode tracker response")

// Error is the failure reason string sent by the tracker in an announce
// response.
type Error struct {
	FailureReason string
}

func (e *Error) Error() string { return e.FailureReason }
