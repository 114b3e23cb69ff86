// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import "time"

// defaultTable backs the package-level session API.
var defaultTable = NewSessionTable(nil)

// Init resets the default session table. Idempotent.
func Init() {
	defaultTable.Init()
}

// Connect opens a session on the default table. See [SessionTable.Connect].
func Connect(address string, port int, name string, timeout time.Duration, protocol Protocol) (int, error) {
	return defaultTable.Connect(address, port, name, timeout, protocol)
}

// Send writes to a session of the default table. See [SessionTable.Send].
func Send(device int, message []byte, timeout time.Duration) (int, error) {
	return defaultTable.Send(device, message, timeout)
}

// Receive reads from a session of the default table. See [SessionTable.Receive].
func Receive(device int, buffer []byte, timeout time.Duration) (int, error) {
	return defaultTable.Receive(device, buffer, timeout)
}

// Disconnect closes a session of the default table. See [SessionTable.Disconnect].
func Disconnect(device int) error {
	return defaultTable.Disconnect(device)
}

// Discover searches the local network for instruments using default
// configuration. See [Discoverer.Discover].
func Discover(info *DiscoverInfo, timeout time.Duration, mode DiscoverMode) error {
	return NewDiscoverer(nil).Discover(info, timeout, mode)
}

// DiscoverInterface is like [Discover] restricted to one named network
// interface. See [Discoverer.DiscoverInterface].
func DiscoverInterface(info *DiscoverInfo, ifname string, timeout time.Duration, mode DiscoverMode) error {
	return NewDiscoverer(nil).DiscoverInterface(info, ifname, timeout, mode)
}
