package netaddr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveGroup(t *testing.T) {
	var group, err = DeriveGroup(netip.MustParseAddr("10.20.0.100"))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("239.100.0.100"), group)
}

func TestDeriveGroupRejectsIPv6(t *testing.T) {
	var _, err = DeriveGroup(netip.MustParseAddr("::1"))
	assert.Error(t, err)
}

func TestIsLoopbackOnly(t *testing.T) {
	assert.True(t, IsLoopbackOnly(netip.MustParseAddr("127.0.1.5")))
	assert.False(t, IsLoopbackOnly(netip.MustParseAddr("10.0.0.5")))
}

func TestLoopbackAllocatorIsIndependentPerInstance(t *testing.T) {
	var a = NewLoopbackAllocator()
	var b = NewLoopbackAllocator()

	assert.Equal(t, netip.MustParseAddr("127.0.1.1"), a.Next())
	assert.Equal(t, netip.MustParseAddr("127.0.1.2"), a.Next())
	assert.Equal(t, netip.MustParseAddr("127.0.1.1"), b.Next(), "a second allocator must not share state with the first")
}

func TestLoopbackAllocatorSaturates(t *testing.T) {
	var a = NewLoopbackAllocator()

	for range 300 {
		a.Next()
	}

	assert.Equal(t, netip.MustParseAddr("127.0.1.255"), a.Next())
}
