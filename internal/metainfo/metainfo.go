// Package metainfo supports reading torrent files.
package metainfo

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/bencode"

	strictbencode "github.com/driptorrent/drip/internal/bencode"
)

var (
	ErrMissingAnnounce = errors.New("no announce url in torrent file")
	ErrMissingInfo     = errors.New("no info dict in torrent file")
)

// MetaInfo is the parsed representation of a torrent file.
type MetaInfo struct {
	Announce string
	Info     Info
}

// New reads a torrent from a bencoded stream.
// The stream must be a single canonical bencoded dictionary.
func New(r io.Reader) (*MetaInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err = strictbencode.Validate(data); err != nil {
		return nil, err
	}
	var t struct {
		Announce string             `bencode:"announce"`
		Info     bencode.RawMessage `bencode:"info"`
	}
	if err = bencode.DecodeBytes(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %s", strictbencode.ErrMalformed, err.Error())
	}
	if t.Announce == "" {
		return nil, ErrMissingAnnounce
	}
	if len(t.Info) == 0 {
		return nil, ErrMissingInfo
	}
	info, err := NewInfo(t.Info)
	if err != nil {
		return nil, err
	}
	return &MetaInfo{
		Announce: t.Announce,
		Info:     *info,
	}, nil
}

// Open reads a torrent from the file at path.
func Open(path string) (*MetaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return New(f)
}
