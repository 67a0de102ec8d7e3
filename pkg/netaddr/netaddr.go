// Package netaddr derives the well-known multicast addresses a module
// node needs from its unicast address, and allocates loopback addresses
// for simulated modules sharing a single host.
package netaddr

import (
	"fmt"
	"net/netip"
	"sync"
)

// ControlGroup is the well-known multicast address every module joins
// to exchange protocol messages.
var ControlGroup = netip.MustParseAddr("239.50.0.1")

// ControlPort is the well-known UDP port for the control plane.
const ControlPort = 5004

// StreamPort is the well-known UDP port for sample-plane datagrams,
// distinct from ControlPort.
const StreamPort = 5005

// BroadcastControlAddr is used instead of ControlGroup when every
// participating module lives on a loopback-only address, since most
// operating systems refuse multicast membership on loopback.
var BroadcastControlAddr = netip.MustParseAddr("255.255.255.255")

// IsLoopbackOnly reports whether addr should use the broadcast
// fallback instead of real multicast.
func IsLoopbackOnly(addr netip.Addr) bool {
	return addr.Is4() && addr.IsLoopback()
}

// DeriveGroup computes a module's output multicast group from its
// unicast IPv4 address: A.B.C.D -> 239.100.C.D.
func DeriveGroup(unicast netip.Addr) (netip.Addr, error) {
	if !unicast.Is4() {
		return netip.Addr{}, fmt.Errorf("netaddr: derive group: %s is not IPv4", unicast)
	}

	var octets = unicast.As4()

	return netip.AddrFrom4([4]byte{239, 100, octets[2], octets[3]}), nil
}

// LoopbackAllocator hands out distinct 127.0.1.N addresses for modules
// simulated on one host: an explicit, lockable value that tests and
// simulators construct themselves instead of sharing hidden global
// state.
type LoopbackAllocator struct {
	mu   sync.Mutex
	next int
}

// NewLoopbackAllocator returns an allocator starting at 127.0.1.1.
func NewLoopbackAllocator() *LoopbackAllocator {
	return &LoopbackAllocator{next: 1}
}

// Next returns the next loopback address in the sequence, saturating
// at 127.0.1.255 rather than wrapping or erroring.
func (a *LoopbackAllocator) Next() netip.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()

	var octet = a.next
	if octet > 255 {
		octet = 255
	} else {
		a.next++
	}

	return netip.AddrFrom4([4]byte{127, 0, 1, byte(octet)})
}
