package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driptorrent/drip/internal/bencode"
)

func torrentBytes(t *testing.T, info map[string]interface{}) []byte {
	t.Helper()
	b, err := bencode.Encode(map[string]interface{}{
		"announce": "http://tracker.example:6969/announce",
		"info":     info,
	})
	require.NoError(t, err)
	return b
}

func singleFileInfo(pieceLength uint32, total int64) map[string]interface{} {
	numPieces := (total + int64(pieceLength) - 1) / int64(pieceLength)
	return map[string]interface{}{
		"name":         "test.bin",
		"piece length": int64(pieceLength),
		"pieces":       bytes.Repeat([]byte("01234567890123456789"), int(numPieces)),
		"length":       total,
	}
}

func TestSingleFile(t *testing.T) {
	data := torrentBytes(t, singleFileInfo(256, 1000))

	mi, err := New(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example:6969/announce", mi.Announce)
	assert.Equal(t, "test.bin", mi.Info.Name)
	assert.Equal(t, uint32(256), mi.Info.PieceLength)
	assert.Equal(t, uint32(4), mi.Info.NumPieces)
	assert.Equal(t, int64(1000), mi.Info.TotalLength)
	assert.Equal(t, uint32(232), mi.Info.LastPieceLength())
	assert.Equal(t, uint32(256), mi.Info.PieceLengthAt(0))
	assert.Equal(t, uint32(232), mi.Info.PieceLengthAt(3))
	assert.False(t, mi.Info.MultiFile())
	assert.Equal(t, []FileDict{{1000, []string{"test.bin"}}}, mi.Info.GetFiles())
	assert.Equal(t, []byte("01234567890123456789"), mi.Info.PieceHash(2))
}

func TestLastPieceFull(t *testing.T) {
	data := torrentBytes(t, singleFileInfo(256, 1024))

	mi, err := New(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), mi.Info.NumPieces)
	assert.Equal(t, uint32(256), mi.Info.LastPieceLength())
}

func TestMultiFile(t *testing.T) {
	data := torrentBytes(t, map[string]interface{}{
		"name":         "dir",
		"piece length": int64(256),
		"pieces":       bytes.Repeat([]byte("x"), 20),
		"files": []interface{}{
			map[string]interface{}{"length": int64(100), "path": []interface{}{"a", "b.bin"}},
			map[string]interface{}{"length": int64(50), "path": []interface{}{"c.bin"}},
		},
	})

	mi, err := New(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, mi.Info.MultiFile())
	assert.Equal(t, int64(150), mi.Info.TotalLength)
	assert.Equal(t, []FileDict{
		{100, []string{"a", "b.bin"}},
		{50, []string{"c.bin"}},
	}, mi.Info.GetFiles())
}

func TestInfoHashStability(t *testing.T) {
	// The info-hash must be SHA-1 over the exact source bytes of the info
	// value, not a re-encoding.
	data := torrentBytes(t, singleFileInfo(256, 1000))

	raw, err := bencode.RawValue(data, "info")
	require.NoError(t, err)

	mi, err := New(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, sha1.Sum(raw), mi.Info.Hash)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		data func(t *testing.T) []byte
		err  error
	}{
		{
			name: "missing announce",
			data: func(t *testing.T) []byte {
				b, err := bencode.Encode(map[string]interface{}{
					"info": singleFileInfo(256, 1000),
				})
				require.NoError(t, err)
				return b
			},
			err: ErrMissingAnnounce,
		},
		{
			name: "missing info",
			data: func(t *testing.T) []byte {
				b, err := bencode.Encode(map[string]interface{}{
					"announce": "http://tracker.example/announce",
				})
				require.NoError(t, err)
				return b
			},
			err: ErrMissingInfo,
		},
		{
			name: "missing pieces",
			data: func(t *testing.T) []byte {
				info := singleFileInfo(256, 1000)
				delete(info, "pieces")
				return torrentBytes(t, info)
			},
			err: ErrMissingPieces,
		},
		{
			name: "missing piece length",
			data: func(t *testing.T) []byte {
				info := singleFileInfo(256, 1000)
				delete(info, "piece length")
				return torrentBytes(t, info)
			},
			err: ErrMissingPieceLength,
		},
		{
			name: "pieces not multiple of 20",
			data: func(t *testing.T) []byte {
				info := singleFileInfo(256, 1000)
				info["pieces"] = []byte("0123456789")
				return torrentBytes(t, info)
			},
			err: ErrInconsistentLength,
		},
		{
			name: "piece table too short for total length",
			data: func(t *testing.T) []byte {
				info := singleFileInfo(256, 1000)
				info["length"] = int64(5000)
				return torrentBytes(t, info)
			},
			err: ErrInconsistentLength,
		},
		{
			name: "malformed bencode",
			data: func(t *testing.T) []byte {
				return []byte("d8:announce") // truncated
			},
			err: bencode.ErrMalformed,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(bytes.NewReader(c.data(t)))
			assert.ErrorIs(t, err, c.err)
		})
	}
}
