package peerprotocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrInvalidProtocol is returned when a handshake does not carry the
// BitTorrent protocol string.
var ErrInvalidProtocol = errors.New("invalid protocol string in handshake")

var pstr = [19]byte{'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l'}

// HandshakeLength is the fixed size of the handshake message.
const HandshakeLength = 1 + len(pstr) + 8 + 20 + 20

// WriteHandshake writes the fixed 68-byte handshake to w.
// The reserved extension bits are always zero.
func WriteHandshake(w io.Writer, ih, id [20]byte) error {
	h := struct {
		Pstrlen  byte
		Pstr     [len(pstr)]byte
		Reserved [8]byte
		InfoHash [20]byte
		PeerID   [20]byte
	}{
		Pstrlen:  byte(len(pstr)),
		Pstr:     pstr,
		InfoHash: ih,
		PeerID:   id,
	}
	return binary.Write(w, binary.BigEndian, h)
}

// ReadHandshake reads and validates a 68-byte handshake from r.
// The length byte and the protocol string are checked literally before the
// info-hash and peer id are extracted.
func ReadHandshake(r io.Reader) (ih, id [20]byte, err error) {
	var pstrLen byte
	if err = binary.Read(r, binary.BigEndian, &pstrLen); err != nil {
		return
	}
	if pstrLen != byte(len(pstr)) {
		err = ErrInvalidProtocol
		return
	}
	got := make([]byte, pstrLen)
	if _, err = io.ReadFull(r, got); err != nil {
		return
	}
	if !bytes.Equal(got, pstr[:]) {
		err = ErrInvalidProtocol
		return
	}
	var reserved [8]byte
	if _, err = io.ReadFull(r, reserved[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, ih[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, id[:])
	return
}
