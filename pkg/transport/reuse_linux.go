//go:build linux

package transport

import "golang.org/x/sys/unix"

// setSocketOptions sets SO_REUSEADDR and SO_REUSEPORT so that multiple
// modules on one host can each bind the control port, and SO_BROADCAST so the loopback-only
// simulator can send to the limited broadcast address.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil { //nolint:gosec
		return err
	}

	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil { //nolint:gosec
		return err
	}

	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1) //nolint:gosec
}
