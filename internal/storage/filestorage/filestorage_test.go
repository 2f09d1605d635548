package filestorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptorrent/drip/internal/metainfo"
)

func TestSingleFile(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "data.bin",
		PieceLength: 4,
		NumPieces:   3,
		TotalLength: 10,
		Length:      10,
	}

	s, err := New(dir, info)
	require.NoError(t, err)

	require.NoError(t, s.WriteAt(0, 0, []byte("abcd")))
	require.NoError(t, s.WriteAt(1, 2, []byte("gh")))
	require.NoError(t, s.WriteAt(1, 0, []byte("ef")))
	require.NoError(t, s.WriteAt(2, 0, []byte("ij")))

	p, err := s.ReadPiece(1)
	require.NoError(t, err)
	assert.Equal(t, "efgh", string(p))

	// last piece is short
	p, err = s.ReadPiece(2)
	require.NoError(t, err)
	assert.Equal(t, "ij", string(p))

	require.NoError(t, s.Finalize())

	b, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(b))
}

func TestMultiFilePieceSpansBoundary(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "dl",
		PieceLength: 4,
		NumPieces:   2,
		TotalLength: 8,
		Files: []metainfo.FileDict{
			{Length: 3, Path: []string{"a.bin"}},
			{Length: 5, Path: []string{"sub", "b.bin"}},
		},
	}

	s, err := New(dir, info)
	require.NoError(t, err)

	// piece 0 covers all of a.bin and the first byte of b.bin
	require.NoError(t, s.WriteAt(0, 0, []byte("0123")))
	require.NoError(t, s.WriteAt(1, 0, []byte("4567")))

	p, err := s.ReadPiece(0)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(p))

	require.NoError(t, s.Finalize())

	a, err := os.ReadFile(filepath.Join(dir, "dl", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, "012", string(a))

	b, err := os.ReadFile(filepath.Join(dir, "dl", "sub", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, "34567", string(b))
}

func TestWriteOutOfRange(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "x",
		PieceLength: 4,
		NumPieces:   1,
		TotalLength: 4,
		Length:      4,
	}
	s, err := New(dir, info)
	require.NoError(t, err)
	defer s.Finalize()

	assert.Error(t, s.WriteAt(0, 2, []byte("toolong")))
}
