// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// rawDrainInterval is how long receive waits for follow-up bytes after
// the first successful read. The RAW protocol has no framing, so the
// reply is "whatever arrived promptly after the first chunk".
const rawDrainInterval = time.Millisecond

// rawTransport exchanges newline-framed SCPI over a plain TCP stream.
//
// Construct with [newRawTransport]. A transport serves a single session
// and is not safe for concurrent use.
type rawTransport struct {
	// cfg carries the ambient dependencies.
	cfg *Config

	// dialer performs logged TCP dials.
	dialer *dialer

	// conn is the stream to the instrument.
	conn net.Conn
}

var _ transport = &rawTransport{}

func newRawTransport(cfg *Config) *rawTransport {
	return &rawTransport{
		cfg:    cfg,
		dialer: newDialer(cfg),
	}
}

// connect dials the instrument. The name argument is ignored: RAW has
// no notion of logical devices. The timeout covers hostname resolution
// and connection establishment.
func (t *rawTransport) connect(address string, port int, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := t.dialer.dial(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("lxi: failed to connect: %w", err)
	}
	t.conn = observeConn(t.cfg, conn)
	return nil
}

// send writes the whole message within the timeout.
func (t *rawTransport) send(message []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetWriteDeadline(t.cfg.TimeNow().Add(timeout)); err != nil {
		return 0, err
	}
	return t.conn.Write(message)
}

// receive reads the first chunk of a reply within the timeout, then
// drains any immediately available follow-up bytes. A timeout before
// the first byte is an error.
func (t *rawTransport) receive(buffer []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadDeadline(t.cfg.TimeNow().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(buffer)
	if err != nil {
		return 0, err
	}
	for n < len(buffer) {
		if err := t.conn.SetReadDeadline(t.cfg.TimeNow().Add(rawDrainInterval)); err != nil {
			break
		}
		count, err := t.conn.Read(buffer[n:])
		if count > 0 {
			n += count
		}
		if err != nil {
			break
		}
	}
	return n, nil
}

// receiveWait reads until the buffer fills, the peer closes, or the
// timeout expires. Partial data gathered before closure or expiry is
// returned as a success. Used by the HTTP identification fallback,
// never exposed through the session API.
func (t *rawTransport) receiveWait(buffer []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadDeadline(t.cfg.TimeNow().Add(timeout)); err != nil {
		return 0, err
	}
	n := 0
	for n < len(buffer) {
		count, err := t.conn.Read(buffer[n:])
		if count > 0 {
			n += count
		}
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
	}
	return n, nil
}

// disconnect closes the stream; always succeeds from the caller's view.
func (t *rawTransport) disconnect() error {
	t.conn.Close()
	return nil
}
