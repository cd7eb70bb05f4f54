//go:build !unix

package conn

import "syscall"

func reuseAddrControl(network, address string, rc syscall.RawConn) error {
	return nil
}
