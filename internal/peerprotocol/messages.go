// Package peerprotocol implements the BitTorrent peer wire protocol:
// the 68-byte handshake and the length-prefixed message stream.
package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Messages are length-prefixed: a big-endian 4-byte length, then a 1-byte
// type id and the payload. A length of zero is a keep-alive and carries
// no id.

var (
	// ErrUnknownID is returned when a message carries an id outside 0..8.
	ErrUnknownID = errors.New("unknown message id")
	// ErrInvalidLength is returned when the announced length does not match
	// the message type.
	ErrInvalidLength = errors.New("invalid message length")
)

// maxPayloadLength bounds decoder allocations. Large enough for a bitfield
// of a big torrent or a piece message with a 128 KiB block.
const maxPayloadLength = 1 << 20

// Message is a peer wire protocol message.
type Message interface {
	ID() MessageID
}

type emptyMessage struct{}

// ChokeMessage tells the peer it should not request blocks.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage tells the peer it may request blocks.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage tells the peer we want to request blocks.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage tells the peer we do not want anything from it.
type NotInterestedMessage struct{ emptyMessage }

// HaveMessage announces that the sender has the piece at Index.
type HaveMessage struct {
	Index uint32
}

// BitfieldMessage carries the raw bytes of the sender's piece bitfield.
// Valid only as the first message after the handshake.
type BitfieldMessage struct {
	Data []byte
}

// RequestMessage asks for a block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// PieceMessage carries a block of a piece.
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

// CancelMessage cancels a previously sent request.
type CancelMessage struct {
	RequestMessage
}

func (m ChokeMessage) ID() MessageID         { return Choke }
func (m UnchokeMessage) ID() MessageID       { return Unchoke }
func (m InterestedMessage) ID() MessageID    { return Interested }
func (m NotInterestedMessage) ID() MessageID { return NotInterested }
func (m HaveMessage) ID() MessageID          { return Have }
func (m BitfieldMessage) ID() MessageID      { return Bitfield }
func (m RequestMessage) ID() MessageID       { return Request }
func (m PieceMessage) ID() MessageID         { return Piece }
func (m CancelMessage) ID() MessageID        { return Cancel }

func payload(m Message) []byte {
	switch msg := m.(type) {
	case HaveMessage:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, msg.Index)
		return b
	case BitfieldMessage:
		return msg.Data
	case RequestMessage:
		b := make([]byte, 12)
		binary.BigEndian.PutUint32(b[0:4], msg.Index)
		binary.BigEndian.PutUint32(b[4:8], msg.Begin)
		binary.BigEndian.PutUint32(b[8:12], msg.Length)
		return b
	case CancelMessage:
		return payload(msg.RequestMessage)
	case PieceMessage:
		b := make([]byte, 8+len(msg.Data))
		binary.BigEndian.PutUint32(b[0:4], msg.Index)
		binary.BigEndian.PutUint32(b[4:8], msg.Begin)
		copy(b[8:], msg.Data)
		return b
	default:
		return nil
	}
}

// WriteMessage frames m and writes it to w.
func WriteMessage(w io.Writer, m Message) error {
	p := payload(m)
	b := make([]byte, 4+1+len(p))
	binary.BigEndian.PutUint32(b[0:4], uint32(1+len(p)))
	b[4] = byte(m.ID())
	copy(b[5:], p)
	_, err := w.Write(b)
	return err
}

// WriteKeepAlive writes a keep-alive message (a zero length prefix) to w.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// ReadMessage reads one framed message from r.
// A keep-alive returns (nil, nil): traffic happened but there is no message.
func ReadMessage(r io.Reader) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 { // keep-alive
		return nil, nil
	}
	if length-1 > maxPayloadLength {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	var id MessageID
	if err := binary.Read(r, binary.BigEndian, &id); err != nil {
		return nil, err
	}
	length--

	switch id {
	case Choke:
		if length != 0 {
			return nil, lengthError(id, length)
		}
		return ChokeMessage{}, nil
	case Unchoke:
		if length != 0 {
			return nil, lengthError(id, length)
		}
		return UnchokeMessage{}, nil
	case Interested:
		if length != 0 {
			return nil, lengthError(id, length)
		}
		return InterestedMessage{}, nil
	case NotInterested:
		if length != 0 {
			return nil, lengthError(id, length)
		}
		return NotInterestedMessage{}, nil
	case Have:
		if length != 4 {
			return nil, lengthError(id, length)
		}
		var msg HaveMessage
		if err := binary.Read(r, binary.BigEndian, &msg.Index); err != nil {
			return nil, err
		}
		return msg, nil
	case Bitfield:
		msg := BitfieldMessage{Data: make([]byte, length)}
		if _, err := io.ReadFull(r, msg.Data); err != nil {
			return nil, err
		}
		return msg, nil
	case Request, Cancel:
		if length != 12 {
			return nil, lengthError(id, length)
		}
		var msg RequestMessage
		if err := binary.Read(r, binary.BigEndian, &msg); err != nil {
			return nil, err
		}
		if id == Cancel {
			return CancelMessage{msg}, nil
		}
		return msg, nil
	case Piece:
		if length < 8 {
			return nil, lengthError(id, length)
		}
		var msg PieceMessage
		if err := binary.Read(r, binary.BigEndian, &msg.Index); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &msg.Begin); err != nil {
			return nil, err
		}
		msg.Data = make([]byte, length-8)
		if _, err := io.ReadFull(r, msg.Data); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
}

func lengthError(id MessageID, length uint32) error {
	return fmt.Errorf("%w: %d for message %q", ErrInvalidLength, length+1, id)
}
