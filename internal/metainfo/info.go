package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

var (
	ErrMissingName        = errors.New("no name in info dict")
	ErrMissingPieceLength = errors.New("no piece length in info dict")
	ErrMissingPieces      = errors.New("no pieces in info dict")
	ErrInconsistentLength = errors.New("piece table inconsistent with total length")
)

// Info contains the parsed info dictionary of a torrent.
// Values are immutable after parsing.
type Info struct {
	PieceLength uint32     `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length"` // Single File Mode
	Files       []FileDict `bencode:"files"`  // Multiple File Mode

	// Calculated fields
	Hash        [20]byte `bencode:"-"`
	TotalLength int64    `bencode:"-"`
	NumPieces   uint32   `bencode:"-"`
	Bytes       []byte   `bencode:"-"`
}

// FileDict is a file entry in a multi-file torrent.
type FileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// NewInfo returns Info from the bencoded bytes in b.
// The info-hash is SHA-1 over b exactly as it appeared in the torrent file;
// it is never recomputed from the parsed fields because key order or
// integer form could diverge from the source bytes.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.Name == "" {
		return nil, ErrMissingName
	}
	if i.PieceLength == 0 {
		return nil, ErrMissingPieceLength
	}
	if len(i.Pieces) == 0 {
		return nil, ErrMissingPieces
	}
	if len(i.Pieces)%sha1.Size != 0 {
		return nil, ErrInconsistentLength
	}
	// ".." is not allowed in file names
	for _, file := range i.Files {
		for _, path := range file.Path {
			if strings.TrimSpace(path) == ".." {
				return nil, fmt.Errorf("invalid file name: %q", filepath.Join(file.Path...))
			}
		}
	}
	i.NumPieces = uint32(len(i.Pieces)) / sha1.Size
	if !i.MultiFile() {
		i.TotalLength = i.Length
	} else {
		for _, f := range i.Files {
			i.TotalLength += f.Length
		}
	}
	// Each piece except the last must be fully covered by data.
	totalPieceDataLength := int64(i.PieceLength) * int64(i.NumPieces)
	delta := totalPieceDataLength - i.TotalLength
	if delta >= int64(i.PieceLength) || delta < 0 {
		return nil, ErrInconsistentLength
	}
	i.Bytes = b
	hash := sha1.New() // nolint: gosec
	_, _ = hash.Write(b)
	copy(i.Hash[:], hash.Sum(nil))
	return &i, nil
}

// MultiFile returns true for torrents that contain more than one file.
func (i *Info) MultiFile() bool {
	return len(i.Files) != 0
}

// PieceHash returns the 20-byte target hash of the piece at index.
func (i *Info) PieceHash(index uint32) []byte {
	begin := index * sha1.Size
	end := begin + sha1.Size
	return i.Pieces[begin:end]
}

// PieceLengthAt returns the length of the piece at index.
// Only the last piece may be shorter than the declared piece length.
func (i *Info) PieceLengthAt(index uint32) uint32 {
	if index == i.NumPieces-1 {
		return i.LastPieceLength()
	}
	return i.PieceLength
}

// LastPieceLength returns the length of the final piece.
func (i *Info) LastPieceLength() uint32 {
	last := i.TotalLength - int64(i.NumPieces-1)*int64(i.PieceLength)
	return uint32(last)
}

// GetFiles returns the files in the torrent as a slice, even if there is a
// single file.
func (i *Info) GetFiles() []FileDict {
	if i.MultiFile() {
		return i.Files
	}
	return []FileDict{{i.Length, []string{i.Name}}}
}
