// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"context"
	"fmt"
	"net"
)

// listenBroadcastUDP binds an IPv4 UDP socket to an ephemeral port with
// SO_BROADCAST enabled, so that the GETPORT datagram can target the
// subnet's directed broadcast address.
func listenBroadcastUDP() (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: setBroadcastSockopt}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("lxi: unexpected packet conn type %T", pc)
	}
	return conn, nil
}
