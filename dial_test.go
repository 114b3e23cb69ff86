// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDialer returns a canned connection or error.
type stubDialer struct {
	conn net.Conn
	err  error
}

func (d *stubDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.conn, d.err
}

// newMinimalConn returns a [*netstub.FuncConn] with just enough wiring
// for code touching safeconn accessors during construction and logging.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// A dial emits connectStart and connectDone span events.
func TestDialerLogging(t *testing.T) {
	logger, records := newCapturingLogger()
	cfg := NewConfig()
	cfg.Logger = logger
	cfg.Dialer = &stubDialer{conn: newMinimalConn()}

	d := newDialer(cfg)
	conn, err := d.dial(context.Background(), "tcp", "10.0.0.1:5025")

	require.NoError(t, err)
	require.NotNil(t, conn)

	var messages []string
	for _, record := range *records {
		messages = append(messages, record.Message)
	}
	assert.Equal(t, []string{"connectStart", "connectDone"}, messages)
}

// Dial errors propagate to the caller.
func TestDialerError(t *testing.T) {
	wantErr := errors.New("no route to host")
	cfg := NewConfig()
	cfg.Dialer = &stubDialer{err: wantErr}

	d := newDialer(cfg)
	conn, err := d.dial(context.Background(), "tcp", "10.0.0.1:5025")

	assert.ErrorIs(t, err, wantErr)
	assert.Nil(t, conn)
}

// The watcher closes the connection when the context expires.
func TestWatchCancelClosesOnExpiry(t *testing.T) {
	closed := make(chan struct{})
	conn := newMinimalConn()
	conn.CloseFunc = func() error {
		close(closed)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	watched := watchCancel(ctx, conn)
	cancel()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection was not closed on context expiry")
	}
	_ = watched
}

// detach stops the watcher: a later context expiry leaves the
// connection open.
func TestWatchCancelDetach(t *testing.T) {
	closeCalled := false
	conn := newMinimalConn()
	conn.CloseFunc = func() error {
		closeCalled = true
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	watched := watchCancel(ctx, conn).(*cancelWatchedConn)
	watched.detach()
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, closeCalled)
}

// Closing the watched connection unregisters the watcher and closes
// the underlying connection.
func TestWatchCancelClose(t *testing.T) {
	closeCalled := false
	conn := newMinimalConn()
	conn.CloseFunc = func() error {
		closeCalled = true
		return nil
	}

	watched := watchCancel(context.Background(), conn)
	err := watched.Close()

	require.NoError(t, err)
	assert.True(t, closeCalled)
}
