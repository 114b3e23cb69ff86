// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The frozen GETPORT datagram is exactly 56 bytes.
func TestGetPortRequestLength(t *testing.T) {
	assert.Len(t, getPortRequest, 56)
}

// The constructor reproduces the frozen datagram from the XDR
// definition, guarding against drift in either.
func TestNewGetPortRequestMatchesFrozen(t *testing.T) {
	assert.Equal(t, getPortRequest, newGetPortRequest())
}

// The datagram asks the portmapper for DEVICE_CORE version 1 over TCP.
func TestGetPortRequestFields(t *testing.T) {
	dec := newXDRDecoder(getPortRequest)

	xid, err := dec.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3E8), xid)

	require.NoError(t, dec.Skip(9*4)) // header through verf

	prog, err := dec.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(deviceCoreProgram), prog)

	vers, err := dec.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(deviceCoreVersion), vers)

	proto, err := dec.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(ipProtoTCP), proto)
}
