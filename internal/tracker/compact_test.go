package tracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePeersCompact(t *testing.T) {
	addrs, err := DecodePeersCompact([]byte{0xC0, 0xA8, 0x01, 0x01, 0x1A, 0xE1})
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.True(t, addrs[0].IP.Equal(net.IPv4(192, 168, 1, 1)))
	assert.Equal(t, 6881, addrs[0].Port)
}

func TestDecodePeersCompactMultiple(t *testing.T) {
	addrs, err := DecodePeersCompact([]byte{
		1, 2, 3, 4, 0x1A, 0xE1,
		5, 6, 7, 8, 0x00, 0x50,
	})
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, 6881, addrs[0].Port)
	assert.True(t, addrs[1].IP.Equal(net.IPv4(5, 6, 7, 8)))
	assert.Equal(t, 80, addrs[1].Port)
}

func TestDecodePeersCompactInvalidLength(t *testing.T) {
	_, err := DecodePeersCompact([]byte{1, 2, 3, 4, 5})
	assert.Error(t, err)
}
