// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ONC RPC portmapper constants per RFC 1833.
const (
	portmapProgram     = 0x000186A0
	portmapVersion     = 2
	portmapProcGetPort = 3
	portmapPort        = 111

	// ipProtoTCP is the GETPORT transport selector for TCP.
	ipProtoTCP = 6
)

// getPortRequest is the frozen PORTMAP GETPORT datagram broadcast during
// VXI-11 discovery. It asks: on what port is program 0x000607AF
// (DEVICE_CORE) version 1 served over TCP?
//
// Kept as a byte literal so the wire format cannot drift;
// [newGetPortRequest] reproduces it from the XDR definition and a test
// pins the two against each other.
var getPortRequest = []byte{
	0x00, 0x00, 0x03, 0xe8, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x02, 0x00, 0x01, 0x86, 0xa0,
	0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x03,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x06, 0x07, 0xaf, 0x00, 0x00, 0x00, 0x01,
	0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00,
}

// getPortRequestXID is the transaction id baked into [getPortRequest].
const getPortRequestXID = 0x3E8

// newGetPortRequest builds the GETPORT datagram from the XDR definition.
func newGetPortRequest() []byte {
	enc := &xdrEncoder{}
	appendRPCCallHeader(enc, getPortRequestXID, portmapProgram, portmapVersion, portmapProcGetPort)
	enc.Uint32(deviceCoreProgram)
	enc.Uint32(deviceCoreVersion)
	enc.Uint32(ipProtoTCP)
	enc.Uint32(0) // port: ignored by GETPORT
	return enc.Bytes()
}

// lookupDeviceCorePort asks the portmapper on the instrument which TCP
// port serves the VXI-11 core channel. The context bounds the whole
// exchange; the connection is torn down before returning.
func lookupDeviceCorePort(ctx context.Context, cfg *Config, d *dialer, address string, pmapPort int, timeout time.Duration) (int, error) {
	endpoint := net.JoinHostPort(address, strconv.Itoa(pmapPort))
	conn, err := d.dial(ctx, "tcp", endpoint)
	if err != nil {
		return 0, err
	}
	client := newRPCClient(cfg, watchCancel(ctx, observeConn(cfg, conn)))
	defer client.close()
	client.setTimeout(timeout)

	enc := &xdrEncoder{}
	enc.Uint32(deviceCoreProgram)
	enc.Uint32(deviceCoreVersion)
	enc.Uint32(ipProtoTCP)
	enc.Uint32(0)
	results, err := client.call(portmapProgram, portmapVersion, portmapProcGetPort, enc.Bytes())
	if err != nil {
		return 0, err
	}

	port, err := newXDRDecoder(results).Uint32()
	if err != nil {
		return 0, err
	}
	if port == 0 || port > 65535 {
		return 0, fmt.Errorf("lxi: portmapper returned unusable port %d", port)
	}
	return int(port), nil
}
