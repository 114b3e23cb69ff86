// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

const (
	// rpcLastFragment marks the final fragment in the TCP record
	// marking scheme: the high bit of the 4-byte fragment header is
	// the last-fragment flag, the low 31 bits are the length.
	rpcLastFragment = 0x80000000

	// rpcMaxFragmentSize caps a single reply fragment. A fragment
	// larger than this is rejected as coming from a corrupt or hostile
	// peer.
	rpcMaxFragmentSize = 1 << 20
)

// rpcClient is an ONC RPC v2 client over an owned TCP connection.
//
// This type owns the underlying connection. The caller is responsible
// for calling close() when done.
//
// The per-call timeout set via setTimeout bounds how long a single
// reply wait blocks; it does not bound connection establishment, which
// the caller controls through its dial context.
type rpcClient struct {
	// conn is the owned TCP connection.
	conn net.Conn

	// timeout bounds each call's I/O; zero means no deadline.
	timeout time.Duration

	// xid is the transaction id of the next call.
	xid uint32

	// errClassifier classifies errors for structured logging.
	errClassifier ErrClassifier

	// logger is the SLogger to use.
	logger SLogger

	// timeNow is the function to get the current time.
	timeNow func() time.Time

	laddr string
	raddr string
}

// newRPCClient wraps an established connection into an [*rpcClient].
func newRPCClient(cfg *Config, conn net.Conn) *rpcClient {
	return &rpcClient{
		conn:          conn,
		xid:           uint32(cfg.TimeNow().UnixNano()),
		errClassifier: cfg.ErrClassifier,
		logger:        cfg.Logger,
		timeNow:       cfg.TimeNow,
		laddr:         safeconn.LocalAddr(conn),
		raddr:         safeconn.RemoteAddr(conn),
	}
}

// setTimeout sets the per-call timeout.
func (c *rpcClient) setTimeout(d time.Duration) {
	c.timeout = d
}

// close closes the underlying connection.
func (c *rpcClient) close() error {
	return c.conn.Close()
}

// call performs a single RPC call and returns the encoded results.
//
// The message is framed with TCP record marking; the reply may arrive
// in multiple fragments, which are reassembled before parsing.
func (c *rpcClient) call(prog, vers, proc uint32, args []byte) ([]byte, error) {
	c.xid++
	xid := c.xid

	enc := &xdrEncoder{}
	appendRPCCallHeader(enc, xid, prog, vers, proc)
	body := append(enc.Bytes(), args...)

	t0 := c.timeNow()
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = c.timeNow().Add(c.timeout)
	}
	c.logCallStart(prog, vers, proc, t0, deadline)

	if err := c.conn.SetDeadline(deadline); err != nil {
		c.logCallDone(prog, vers, proc, t0, deadline, err)
		return nil, err
	}

	c.logger.Info(
		"rpcCall",
		slog.Any("rpcRawCall", body),
		slog.String("localAddr", c.laddr),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t", t0),
	)

	if err := c.writeRecord(body); err != nil {
		c.logCallDone(prog, vers, proc, t0, deadline, err)
		return nil, err
	}

	reply, err := c.readRecord()
	if err != nil {
		c.logCallDone(prog, vers, proc, t0, deadline, err)
		return nil, err
	}

	c.logger.Info(
		"rpcReply",
		slog.Any("rpcRawReply", reply),
		slog.String("localAddr", c.laddr),
		slog.String("remoteAddr", c.raddr),
		slog.Time("t", c.timeNow()),
	)

	results, err := parseRPCReply(reply, xid)
	c.logCallDone(prog, vers, proc, t0, deadline, err)
	return results, err
}

// writeRecord frames the message as a single last fragment and writes it.
func (c *rpcClient) writeRecord(msg []byte) error {
	framed := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(framed[0:4], uint32(len(msg))|rpcLastFragment)
	copy(framed[4:], msg)
	_, err := c.conn.Write(framed)
	return err
}

// readRecord reassembles a record-marked reply from one or more fragments.
func (c *rpcClient) readRecord() ([]byte, error) {
	var record []byte
	for {
		var header [4]byte
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			return nil, err
		}
		word := binary.BigEndian.Uint32(header[:])
		length := word &^ uint32(rpcLastFragment)
		if length > rpcMaxFragmentSize {
			return nil, fmt.Errorf("lxi: rpc reply fragment too large (%d bytes)", length)
		}
		fragment := make([]byte, length)
		if _, err := io.ReadFull(c.conn, fragment); err != nil {
			return nil, err
		}
		record = append(record, fragment...)
		if word&rpcLastFragment != 0 {
			return record, nil
		}
	}
}

func (c *rpcClient) logCallStart(prog, vers, proc uint32, t0 time.Time, deadline time.Time) {
	c.logger.Info(
		"rpcCallStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", c.raddr),
		slog.Uint64("rpcProgram", uint64(prog)),
		slog.Uint64("rpcVersion", uint64(vers)),
		slog.Uint64("rpcProcedure", uint64(proc)),
		slog.Time("t", t0),
	)
}

func (c *rpcClient) logCallDone(prog, vers, proc uint32, t0 time.Time, deadline time.Time, err error) {
	c.logger.Info(
		"rpcCallDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", c.errClassifier.Classify(err)),
		slog.String("localAddr", c.laddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", c.raddr),
		slog.Uint64("rpcProgram", uint64(prog)),
		slog.Uint64("rpcVersion", uint64(vers)),
		slog.Uint64("rpcProcedure", uint64(proc)),
		slog.Time("t0", t0),
		slog.Time("t", c.timeNow()),
	)
}
