// Package transport owns the two datagram sockets every module binds:
// the control-plane socket, joined to the well-known control group,
// and the sample-plane socket, with dynamic group membership driven by
// the sample stream plane.
//
// Both endpoints use golang.org/x/net/ipv4 for group membership, TTL,
// loopback and control messages rather than raw IP_ADD_MEMBERSHIP
// socket options; only the SO_REUSEADDR/SO_REUSEPORT/SO_BROADCAST
// options in reuse_*.go are set with raw setsockopt calls.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/doismellburning/patchmesh/pkg/netaddr"
	"golang.org/x/net/ipv4"
)

// controlReadTimeout and sampleReadTimeout bound each blocking recv so
// that a cancelled context closes the receive loop promptly.
const (
	controlReadTimeout = 100 * time.Millisecond
	sampleReadTimeout  = 10 * time.Millisecond
	multicastTTL       = 1
)

func reusableListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error

			var setErr = c.Control(func(fd uintptr) {
				ctrlErr = setSocketOptions(fd)
			})
			if setErr != nil {
				return setErr
			}

			return ctrlErr
		},
	}
}

// ControlEndpoint is the control-plane socket: joined to the control
// group (or the loopback broadcast fallback), used to send and receive
// the fixed-header protocol messages decoded by pkg/wire.
type ControlEndpoint struct {
	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	sendAddr  *net.UDPAddr
	multicast bool
}

// NewControlEndpoint binds the control-plane socket for a module whose
// unicast address is localAddr. A real network uses multicast; a
// loopback-only simulator uses the limited broadcast address because
// most stacks refuse multicast membership on loopback interfaces.
func NewControlEndpoint(ctx context.Context, localAddr netip.Addr) (*ControlEndpoint, error) {
	var lc = reusableListenConfig()

	var packetConn, listenErr = lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", netaddr.ControlPort))
	if listenErr != nil {
		return nil, fmt.Errorf("transport: bind control endpoint: %w", listenErr)
	}

	var udpConn = packetConn.(*net.UDPConn)
	var pc = ipv4.NewPacketConn(udpConn)

	var ep = &ControlEndpoint{conn: udpConn, pc: pc}

	if netaddr.IsLoopbackOnly(localAddr) {
		ep.multicast = false
		ep.sendAddr = &net.UDPAddr{IP: net.IPv4bcast, Port: netaddr.ControlPort}

		return ep, nil
	}

	ep.multicast = true
	ep.sendAddr = &net.UDPAddr{IP: net.IP(netaddr.ControlGroup.AsSlice()), Port: netaddr.ControlPort}

	var group = &net.UDPAddr{IP: net.IP(netaddr.ControlGroup.AsSlice())}
	if joinErr := pc.JoinGroup(nil, group); joinErr != nil {
		_ = udpConn.Close()

		return nil, fmt.Errorf("transport: join control group: %w", joinErr)
	}

	_ = pc.SetMulticastLoopback(true)

	return ep, nil
}

// Send transmits data to the control group (or broadcast address).
// Every outbound control message except a unicast PATCH_RESTORE goes
// through Send.
func (e *ControlEndpoint) Send(data []byte) error {
	var _, err = e.conn.WriteToUDP(data, e.sendAddr)

	return err
}

// SendUnicast transmits data to a specific module, used only for
// controller-issued PATCH_RESTORE.
func (e *ControlEndpoint) SendUnicast(data []byte, addr netip.Addr) error {
	var dst = &net.UDPAddr{IP: net.IP(addr.AsSlice()), Port: netaddr.ControlPort}
	var _, err = e.conn.WriteToUDP(data, dst)

	return err
}

// Close releases the socket.
func (e *ControlEndpoint) Close() error {
	return e.conn.Close()
}

// Run drives the receive loop until ctx is cancelled, invoking handler
// once per decoded-or-not datagram. Ordering within this node is
// preserved: handler is called synchronously, never from more than one
// goroutine at a time.
func (e *ControlEndpoint) Run(ctx context.Context, handler func(data []byte, from netip.AddrPort)) error {
	var buf = make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(controlReadTimeout))

		var n, from, err = e.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("transport: control recv: %w", err)
		}

		var fromAddr, _ = netip.AddrFromSlice(from.IP.To4())
		handler(append([]byte(nil), buf[:n]...), netip.AddrPortFrom(fromAddr, uint16(from.Port))) //nolint:gosec
	}
}

// SampleEndpoint is the shared sample-plane socket: every connected
// input's group membership and every output's send both go through a
// single bound port.
type SampleEndpoint struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn

	mu       sync.Mutex
	refcount map[netip.Addr]int
}

// NewSampleEndpoint binds the well-known streaming port.
func NewSampleEndpoint(ctx context.Context) (*SampleEndpoint, error) {
	var lc = reusableListenConfig()

	var packetConn, listenErr = lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", netaddr.StreamPort))
	if listenErr != nil {
		return nil, fmt.Errorf("transport: bind sample endpoint: %w", listenErr)
	}

	var udpConn = packetConn.(*net.UDPConn)
	var pc = ipv4.NewPacketConn(udpConn)

	if setErr := pc.SetControlMessage(ipv4.FlagDst, true); setErr != nil {
		_ = udpConn.Close()

		return nil, fmt.Errorf("transport: enable destination control messages: %w", setErr)
	}

	_ = pc.SetMulticastTTL(multicastTTL)
	_ = pc.SetMulticastLoopback(true)

	return &SampleEndpoint{conn: udpConn, pc: pc, refcount: map[netip.Addr]int{}}, nil
}

// addRef records one more joiner for group and reports whether it was
// the first, i.e. whether a real membership call is needed.
func addRef(refs map[netip.Addr]int, group netip.Addr) bool {
	refs[group]++

	return refs[group] == 1
}

// dropRef removes one joiner for group and reports whether it was the
// last, i.e. whether the real membership should now be dropped. A drop
// with no matching join is a no-op.
func dropRef(refs map[netip.Addr]int, group netip.Addr) bool {
	switch refs[group] {
	case 0:
		return false
	case 1:
		delete(refs, group)

		return true
	default:
		refs[group]--

		return false
	}
}

// JoinGroup joins group, ref-counting so two inputs sharing a group
// only issue one real membership call and only leave once every joiner
// has left.
func (e *SampleEndpoint) JoinGroup(group netip.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !addRef(e.refcount, group) {
		return nil
	}

	if err := e.pc.JoinGroup(nil, &net.UDPAddr{IP: net.IP(group.AsSlice())}); err != nil {
		dropRef(e.refcount, group)

		return fmt.Errorf("transport: join group %s: %w", group, err)
	}

	return nil
}

// LeaveGroup decrements the membership refcount, leaving the group for
// real only once it reaches zero.
func (e *SampleEndpoint) LeaveGroup(group netip.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !dropRef(e.refcount, group) {
		return nil
	}

	return e.pc.LeaveGroup(nil, &net.UDPAddr{IP: net.IP(group.AsSlice())})
}

// SendTo transmits a sample datagram to group with MULTICAST_TTL=1.
func (e *SampleEndpoint) SendTo(group netip.Addr, data []byte) error {
	var dst = &net.UDPAddr{IP: net.IP(group.AsSlice()), Port: netaddr.StreamPort}
	var _, err = e.conn.WriteToUDP(data, dst)

	return err
}

// Close releases the socket.
func (e *SampleEndpoint) Close() error {
	return e.conn.Close()
}

// Run drives the sample-plane receive loop, demultiplexing each
// datagram by its destination multicast group
// until ctx is cancelled.
func (e *SampleEndpoint) Run(ctx context.Context, handler func(group netip.Addr, data []byte)) error {
	var buf = make([]byte, 2048)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(sampleReadTimeout))

		var n, cm, _, err = e.pc.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("transport: sample recv: %w", err)
		}

		if cm == nil {
			continue
		}

		var group, ok = netip.AddrFromSlice(cm.Dst.To4())
		if !ok {
			continue
		}

		handler(group, append([]byte(nil), buf[:n]...))
	}
}

func isTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
