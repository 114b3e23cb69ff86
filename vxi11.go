// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// VXI-11 core channel constants per the VXI-11 specification.
const (
	deviceCoreProgram = 0x000607AF
	deviceCoreVersion = 1

	procCreateLink  = 10
	procDeviceWrite = 11
	procDeviceRead  = 12
	procDestroyLink = 23

	// writeFlags sets END and TERMCHAR on every device_write,
	// consistent with the LXI convention of newline-terminated messages.
	writeFlags = 0x9

	// device_read reason bits signalling end of a read operation.
	readReasonEnd      = 0x04
	readReasonTermChar = 0x02

	// deviceErrIOTimeout is the device error code for an I/O timeout.
	deviceErrIOTimeout = 15

	// defaultDeviceName is the logical device used when the caller
	// does not name one.
	defaultDeviceName = "inst0"
)

// vxi11Transport drives a VXI-11 session over an ONC RPC client.
//
// The zero value is not usable; construct with [newVXI11Transport].
// A transport serves a single session and is not safe for concurrent
// use; the session layer relies on callers serializing per handle.
type vxi11Transport struct {
	// cfg carries the ambient dependencies.
	cfg *Config

	// dialer performs logged TCP dials.
	dialer *dialer

	// portmapPort is where the instrument's portmapper listens.
	// Overridable for testing; defaults to the well-known port 111.
	portmapPort int

	// client is the RPC client bound to the instrument's core channel.
	client *rpcClient

	// lid names the device link on the instrument.
	lid int32

	// abortPort and maxRecvSize are reported by create_link.
	abortPort   uint16
	maxRecvSize uint32
}

var _ transport = &vxi11Transport{}

func newVXI11Transport(cfg *Config) *vxi11Transport {
	return &vxi11Transport{
		cfg:         cfg,
		dialer:      newDialer(cfg),
		portmapPort: portmapPort,
	}
}

// connect establishes the core channel and creates the device link.
//
// The whole sequence (portmapper lookup, dial, create_link) runs under a
// single wall-clock deadline: the context expiring closes whatever
// connection is in flight, so a silent network cannot stall the caller
// beyond the timeout and no socket is leaked.
func (t *vxi11Transport) connect(address string, port int, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if port == 0 {
		p, err := lookupDeviceCorePort(ctx, t.cfg, t.dialer, address, t.portmapPort, timeout)
		if err != nil {
			return fmt.Errorf("lxi: failed to connect: %w", err)
		}
		port = p
	}

	conn, err := t.dialer.dial(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("lxi: failed to connect: %w", err)
	}
	watched := watchCancel(ctx, observeConn(t.cfg, conn)).(*cancelWatchedConn)

	client := newRPCClient(t.cfg, watched)
	client.setTimeout(timeout)

	if name == "" {
		name = defaultDeviceName
	}

	enc := &xdrEncoder{}
	enc.Int32(int32(t.cfg.TimeNow().UnixNano())) // clientId: opaque to the instrument
	enc.Bool(false)                              // lockDevice
	enc.Uint32(0)                                // lock_timeout
	enc.String(name)
	results, err := client.call(deviceCoreProgram, deviceCoreVersion, procCreateLink, enc.Bytes())
	if err != nil {
		client.close()
		return fmt.Errorf("lxi: failed to connect: %w", err)
	}

	dec := newXDRDecoder(results)
	devErr, err := dec.Int32()
	if err == nil {
		t.lid, err = dec.Int32()
	}
	var abortPort, maxRecvSize uint32
	if err == nil {
		abortPort, err = dec.Uint32()
	}
	if err == nil {
		maxRecvSize, err = dec.Uint32()
	}
	if err != nil {
		client.close()
		return fmt.Errorf("lxi: failed to connect: %w", err)
	}
	if devErr != 0 {
		client.close()
		return fmt.Errorf("lxi: create_link failed (error %d)", devErr)
	}

	t.abortPort = uint16(abortPort)
	t.maxRecvSize = maxRecvSize
	t.client = client

	// The link is up: the connect deadline no longer governs the session.
	watched.detach()
	return nil
}

// send issues a single device_write and returns the instrument-reported size.
func (t *vxi11Transport) send(message []byte, timeout time.Duration) (int, error) {
	t.client.setTimeout(timeout)

	enc := &xdrEncoder{}
	enc.Int32(t.lid)
	enc.Uint32(uint32(timeout.Milliseconds())) // io_timeout
	enc.Uint32(0)                              // lock_timeout
	enc.Uint32(writeFlags)
	enc.Opaque(message)
	results, err := t.client.call(deviceCoreProgram, deviceCoreVersion, procDeviceWrite, enc.Bytes())
	if err != nil {
		return 0, err
	}

	dec := newXDRDecoder(results)
	if _, err := dec.Int32(); err != nil { // device error field
		return 0, err
	}
	size, err := dec.Uint32()
	if err != nil {
		return 0, err
	}
	return int(size), nil
}

// receive assembles a reply from one or more device_read calls.
//
// The caller's buffer is the receive sink: chunks append at the current
// offset until the instrument signals END or TERMCHAR; any other nonzero
// reason also ends the read. A reply larger
// than the buffer is an error; at most len(buffer) bytes are written.
func (t *vxi11Transport) receive(buffer []byte, timeout time.Duration) (int, error) {
	t.client.setTimeout(timeout)

	offset := 0
	for {
		enc := &xdrEncoder{}
		enc.Int32(t.lid)
		enc.Uint32(uint32(len(buffer) - offset)) // requestSize
		enc.Uint32(uint32(timeout.Milliseconds()))
		enc.Uint32(0) // lock_timeout
		enc.Uint32(0) // flags
		enc.Uint32(0) // termChar
		results, err := t.client.call(deviceCoreProgram, deviceCoreVersion, procDeviceRead, enc.Bytes())
		if err != nil {
			return 0, err
		}

		dec := newXDRDecoder(results)
		devErr, err := dec.Int32()
		if err != nil {
			return 0, err
		}
		if devErr != 0 {
			if devErr == deviceErrIOTimeout {
				return 0, fmt.Errorf("lxi: read error (timeout)")
			}
			return 0, fmt.Errorf("lxi: read error (response error code %d)", devErr)
		}
		reason, err := dec.Int32()
		if err != nil {
			return 0, err
		}
		data, err := dec.Opaque()
		if err != nil {
			return 0, err
		}

		if len(data) > 0 {
			copied := copy(buffer[offset:], data)
			offset += copied
			if copied < len(data) {
				return 0, fmt.Errorf("lxi: read error (receive message buffer too small)")
			}
		}

		if reason&(readReasonEnd|readReasonTermChar) != 0 {
			break
		}
		if reason != 0 {
			break
		}
	}

	return offset, nil
}

// disconnect destroys the device link and tears down the RPC client.
//
// destroy_link errors are ignored: the session is going away either way.
func (t *vxi11Transport) disconnect() error {
	enc := &xdrEncoder{}
	enc.Int32(t.lid)
	t.client.call(deviceCoreProgram, deviceCoreVersion, procDestroyLink, enc.Bytes())
	return t.client.close()
}
