//go:build unix

package datagram

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// enableBroadcast allows the socket to send to the limited broadcast address
func enableBroadcast(network, address string, rc syscall.RawConn) error {
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return serr
}
