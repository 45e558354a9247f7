//go:build !unix

package datagram

import "syscall"

func enableBroadcast(network, address string, rc syscall.RawConn) error {
	return nil
}
