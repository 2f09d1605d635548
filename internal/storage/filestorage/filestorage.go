// Package filestorage writes downloaded pieces into the files described by
// the torrent metainfo.
//
// Pieces are addressed by their global offset: the piece at index i starts
// at i × piece-length in the concatenation of all files in metainfo order.
// A piece that spans a file boundary is split across the files it covers.
package filestorage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/driptorrent/drip/internal/metainfo"
	"github.com/driptorrent/drip/internal/storage"
)

// section is the part of a single file that a read or write covers.
type section struct {
	file   *os.File
	offset int64
	length int64
}

// Storage writes pieces into preallocated files on disk.
type Storage struct {
	info  *metainfo.Info
	files []*os.File
	// start offset of each file in the concatenation of all files
	starts []int64
}

var _ storage.Storage = (*Storage)(nil)

// New creates the files of the torrent under dest and returns a Storage
// over them. Multi-file torrents are rooted at dest/<name>.
func New(dest string, info *metainfo.Info) (*Storage, error) {
	files := info.GetFiles()
	s := &Storage{
		info:   info,
		files:  make([]*os.File, len(files)),
		starts: make([]int64, len(files)),
	}
	var offset int64
	for i, fd := range files {
		parts := fd.Path
		if info.MultiFile() {
			parts = append([]string{info.Name}, parts...)
		}
		path := filepath.Join(append([]string{dest}, parts...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			s.close()
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			s.close()
			return nil, err
		}
		if err = f.Truncate(fd.Length); err != nil {
			f.Close()
			s.close()
			return nil, err
		}
		s.files[i] = f
		s.starts[i] = offset
		offset += fd.Length
	}
	return s, nil
}

// sections returns the file ranges covering [offset, offset+length) of the
// global byte space.
func (s *Storage) sections(offset, length int64) ([]section, error) {
	if offset < 0 || offset+length > s.info.TotalLength {
		return nil, fmt.Errorf("range [%d, %d) outside of torrent data", offset, offset+length)
	}
	var secs []section
	files := s.info.GetFiles()
	for i := range s.files {
		if length == 0 {
			break
		}
		fileEnd := s.starts[i] + files[i].Length
		if offset >= fileEnd {
			continue
		}
		inFile := offset - s.starts[i]
		n := files[i].Length - inFile
		if n > length {
			n = length
		}
		secs = append(secs, section{file: s.files[i], offset: inFile, length: n})
		offset += n
		length -= n
	}
	return secs, nil
}

func (s *Storage) WriteAt(index uint32, begin uint32, b []byte) error {
	offset := int64(index)*int64(s.info.PieceLength) + int64(begin)
	secs, err := s.sections(offset, int64(len(b)))
	if err != nil {
		return err
	}
	for _, sec := range secs {
		if _, err := sec.file.WriteAt(b[:sec.length], sec.offset); err != nil {
			return err
		}
		b = b[sec.length:]
	}
	return nil
}

func (s *Storage) ReadPiece(index uint32) ([]byte, error) {
	length := s.info.PieceLengthAt(index)
	offset := int64(index) * int64(s.info.PieceLength)
	secs, err := s.sections(offset, int64(length))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	pos := buf
	for _, sec := range secs {
		if _, err := sec.file.ReadAt(pos[:sec.length], sec.offset); err != nil {
			return nil, err
		}
		pos = pos[sec.length:]
	}
	return buf, nil
}

// Finalize flushes and closes all files.
func (s *Storage) Finalize() error {
	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = nil
	return firstErr
}

func (s *Storage) close() {
	for _, f := range s.files {
		if f != nil {
			f.Close()
		}
	}
}
