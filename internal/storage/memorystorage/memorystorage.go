// Package memorystorage keeps downloaded pieces in memory. It is used in
// tests and for small downloads that are post-processed elsewhere.
package memorystorage

import (
	"errors"
	"sync"

	"github.com/driptorrent/drip/internal/storage"
)

// Storage keeps one buffer per piece.
type Storage struct {
	m      sync.Mutex
	pieces [][]byte
	done   bool
}

var _ storage.Storage = (*Storage)(nil)

// New returns a Storage with one preallocated buffer per piece length in
// pieceLengths.
func New(pieceLengths []uint32) *Storage {
	pieces := make([][]byte, len(pieceLengths))
	for i, l := range pieceLengths {
		pieces[i] = make([]byte, l)
	}
	return &Storage{pieces: pieces}
}

func (s *Storage) WriteAt(index uint32, begin uint32, b []byte) error {
	s.m.Lock()
	defer s.m.Unlock()
	if int(index) >= len(s.pieces) {
		return errors.New("piece index out of range")
	}
	p := s.pieces[index]
	if int(begin)+len(b) > len(p) {
		return errors.New("write past end of piece")
	}
	copy(p[begin:], b)
	return nil
}

func (s *Storage) ReadPiece(index uint32) ([]byte, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if int(index) >= len(s.pieces) {
		return nil, errors.New("piece index out of range")
	}
	b := make([]byte, len(s.pieces[index]))
	copy(b, s.pieces[index])
	return b, nil
}

func (s *Storage) Finalize() error {
	s.m.Lock()
	defer s.m.Unlock()
	s.done = true
	return nil
}

// Finalized reports whether Finalize has been called.
func (s *Storage) Finalized() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.done
}
