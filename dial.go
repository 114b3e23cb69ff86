//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package lxi

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making the transports depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// dialer establishes connections with structured logging.
//
// Both transports, the portmapper lookup, and the HTTP identification
// fallback dial through this type so that connectStart/connectDone span
// events are emitted uniformly.
type dialer struct {
	// Dialer is the [Dialer] to use.
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// newDialer returns a [*dialer] wired from the given [*Config].
func newDialer(cfg *Config) *dialer {
	return &dialer{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        cfg.Logger,
		TimeNow:       cfg.TimeNow,
	}
}

// dial connects to the given address and returns the established connection.
//
// The context bounds the dial itself, including hostname resolution.
// Callers that keep issuing I/O under the same context should wrap the
// result with [watchCancel] so that context expiry also interrupts that
// I/O.
func (d *dialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	t0 := d.TimeNow()
	deadline, _ := ctx.Deadline()
	d.logConnectStart(network, address, t0, deadline)
	conn, err := d.Dialer.DialContext(ctx, network, address)
	d.logConnectDone(network, address, t0, deadline, conn, err)
	return conn, err
}

func (d *dialer) logConnectStart(network, address string, t0 time.Time, deadline time.Time) {
	d.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)
}

func (d *dialer) logConnectDone(
	network, address string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	d.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", d.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", d.TimeNow()),
	)
}

// watchCancel arranges for the connection to be closed when the context is
// done (cancelled or deadline exceeded). This is how the VXI-11 connect
// imposes a wall-clock deadline on its inner RPC exchanges: the whole
// sequence runs under one context, and expiry tears down the socket under
// construction rather than leaking it.
//
// The returned connection wraps the input connection. Closing the returned
// connection unregisters the context watcher and closes the underlying
// connection. This ensures no goroutine leaks even if the context is
// never cancelled.
//
// The watcher is safe to use with any [net.Conn] implementation because
// Go's standard library uses the [net.ErrClosed] pattern: closing an
// already-closed connection returns [net.ErrClosed], and I/O operations
// on a closed connection fail gracefully.
func watchCancel(ctx context.Context, conn net.Conn) net.Conn {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// detach unregisters the context watcher while keeping the connection
// open. The VXI-11 connect calls this once the link is established, so
// that the connect context's expiry no longer affects the session.
func (c *cancelWatchedConn) detach() {
	c.stop()
}
