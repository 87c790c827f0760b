//go:build !unix

package network

import "syscall"

var reuseControl func(network, address string, c syscall.RawConn) error
