//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setBroadcastSockopt enables SO_BROADCAST on the socket being created.
func setBroadcastSockopt(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return serr
}
