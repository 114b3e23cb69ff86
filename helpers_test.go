// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/slogstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// readRPCRecord reads one record-marked RPC message from the connection.
func readRPCRecord(conn net.Conn) ([]byte, error) {
	var record []byte
	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return nil, err
		}
		word := binary.BigEndian.Uint32(header[:])
		fragment := make([]byte, word&0x7FFFFFFF)
		if _, err := io.ReadFull(conn, fragment); err != nil {
			return nil, err
		}
		record = append(record, fragment...)
		if word&rpcLastFragment != 0 {
			return record, nil
		}
	}
}

// writeRPCRecord writes msg as a single record-marked fragment.
func writeRPCRecord(conn net.Conn, msg []byte) error {
	framed := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(framed[0:4], uint32(len(msg))|rpcLastFragment)
	copy(framed[4:], msg)
	_, err := conn.Write(framed)
	return err
}

// appendRPCAcceptedReply encodes a MSG_ACCEPTED/SUCCESS reply header.
func appendRPCAcceptedReply(enc *xdrEncoder, xid uint32) {
	enc.Uint32(xid)
	enc.Uint32(rpcMsgReply)
	enc.Uint32(rpcReplyAccepted)
	enc.Uint32(rpcAuthNone) // verf flavor
	enc.Uint32(0)           // verf length
	enc.Uint32(rpcAcceptSuccess)
}

// callProcedure extracts the procedure number from an RPC call message.
func callProcedure(t *testing.T, call []byte) uint32 {
	t.Helper()
	if len(call) < 24 {
		t.Fatalf("short rpc call: %d bytes", len(call))
	}
	return binary.BigEndian.Uint32(call[20:24])
}

// deviceReadChunk is one scripted device_read response.
type deviceReadChunk struct {
	err    int32
	reason int32
	data   []byte
}

// vxi11PeerScript configures the scripted VXI-11 instrument peer.
type vxi11PeerScript struct {
	// createLinkErr is the device error create_link responds with.
	createLinkErr int32

	// lid is the link id assigned by create_link.
	lid int32

	// silent makes the peer accept the connection and never reply,
	// for exercising the connect deadline.
	silent bool

	// idn is the reply served to whatever device_write sends. Empty
	// means serve reads from chunks instead.
	idn string

	// chunks scripts the device_read responses, served in order.
	chunks []deviceReadChunk
}

// startVXI11Peer runs a scripted VXI-11 instrument on the loopback
// interface and returns its TCP port. The peer serves one connection.
func startVXI11Peer(t *testing.T, script vxi11PeerScript) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if script.silent {
			// Hold the connection open without replying.
			io.Copy(io.Discard, conn)
			return
		}
		serveVXI11Conn(conn, script)
	}()

	return listener.Addr().(*net.TCPAddr).Port
}

// serveVXI11Conn answers VXI-11 calls per the script until the client
// disconnects.
func serveVXI11Conn(conn net.Conn, script vxi11PeerScript) {
	chunkIndex := 0
	for {
		call, err := readRPCRecord(conn)
		if err != nil {
			return
		}
		xid := binary.BigEndian.Uint32(call[0:4])
		proc := binary.BigEndian.Uint32(call[20:24])

		enc := &xdrEncoder{}
		appendRPCAcceptedReply(enc, xid)
		switch proc {
		case procCreateLink:
			enc.Int32(script.createLinkErr)
			enc.Int32(script.lid)
			enc.Uint32(0)           // abortPort
			enc.Uint32(1024 * 1024) // maxRecvSize
		case procDeviceWrite:
			// Args: lid, io_timeout, lock_timeout, flags, data.
			dec := newXDRDecoder(call[40:])
			dec.Skip(16)
			data, _ := dec.Opaque()
			if script.idn != "" {
				script.chunks = []deviceReadChunk{{
					reason: readReasonEnd,
					data:   []byte(script.idn),
				}}
				chunkIndex = 0
			}
			enc.Int32(0)
			enc.Uint32(uint32(len(data)))
		case procDeviceRead:
			chunk := deviceReadChunk{reason: readReasonEnd}
			if chunkIndex < len(script.chunks) {
				chunk = script.chunks[chunkIndex]
				chunkIndex++
			}
			enc.Int32(chunk.err)
			enc.Int32(chunk.reason)
			enc.Opaque(chunk.data)
		case procDestroyLink:
			enc.Int32(0)
		default:
			enc.Int32(0)
		}
		if err := writeRPCRecord(conn, enc.Bytes()); err != nil {
			return
		}
	}
}

// startPortmapPeer runs a scripted portmapper on the loopback interface
// that answers every GETPORT with devicePort. Returns its TCP port.
func startPortmapPeer(t *testing.T, devicePort int) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				call, err := readRPCRecord(conn)
				if err != nil {
					return
				}
				xid := binary.BigEndian.Uint32(call[0:4])
				enc := &xdrEncoder{}
				appendRPCAcceptedReply(enc, xid)
				enc.Uint32(uint32(devicePort))
				writeRPCRecord(conn, enc.Bytes())
			}(conn)
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port
}

// testTimeout is a generous bound for scripted loopback exchanges.
const testTimeout = 3 * time.Second
