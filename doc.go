// SPDX-License-Identifier: GPL-3.0-or-later

// Package lxi provides programmatic control of LXI-class networked
// laboratory instruments (oscilloscopes, signal generators, power
// supplies, and similar) over IP networks.
//
// # Capabilities
//
// The package offers two capabilities that clients compose freely:
//
//   - Discovery of instruments on the local network, either through a
//     VXI-11 portmapper broadcast ([DiscoverVXI11]) or through
//     mDNS/DNS-SD multicast queries ([DiscoverMDNS]).
//
//   - Session-based message exchange with an instrument using one of
//     two wire protocols: VXI-11, an ONC RPC protocol layered on TCP
//     ([ProtocolVXI11]), or newline-framed SCPI over a plain TCP
//     stream ([ProtocolRaw]). A third protocol tag, [ProtocolHiSLIP],
//     is reserved but unimplemented.
//
// SCPI command strings are opaque payloads to this package: what you
// send and how you interpret replies is between you and the instrument.
//
// # Sessions
//
// Sessions live in a fixed-capacity table ([SessionsMax] slots) and are
// identified by small non-negative integer handles, which are stable and
// convenient to pass across API boundaries. The typical exchange is:
//
//	lxi.Init()
//	dev, err := lxi.Connect("192.168.1.20", 0, "", 3*time.Second, lxi.ProtocolVXI11)
//	// handle err
//	defer lxi.Disconnect(dev)
//	lxi.Send(dev, []byte("*IDN?\n"), time.Second)
//	buf := make([]byte, 256)
//	n, err := lxi.Receive(dev, buf, time.Second)
//
// The package-level functions operate on a default [*SessionTable]. Use
// [NewSessionTable] to create an isolated table with its own [*Config],
// for example to inject a custom dialer or logger.
//
// Concurrent operations on distinct handles proceed in parallel; the
// caller must serialize operations on a single handle. The table's
// internal lock guards only slot allocation and teardown, never I/O, so
// a slow connect does not block unrelated sessions.
//
// # Discovery
//
// [Discover] walks the usable network interfaces and reports findings
// through the optional callbacks of [DiscoverInfo]. Callbacks run on the
// discovery goroutine; do not re-enter the package on the same handle
// from within them. The VXI-11 path confirms LXI conformance by probing
// each responder with "*IDN?" and falls back to fetching the instrument's
// XML identification document over HTTP when the SCPI probe returns an
// empty reply.
//
// # Observability
//
// All operations support structured logging via [SLogger] (compatible
// with [log/slog]). By default, logging is disabled. Set [Config.Logger]
// to a custom [*log/slog.Logger] to enable it.
//
// Operations emit span events (*Start/*Done pairs) recording lifecycle,
// timing, and success or failure, plus wire observations (rpcCall,
// rpcReply, mdnsQuery, mdnsResponse) capturing protocol-level messages.
// Per-I/O events (read, write, deadline changes) are emitted at
// [log/slog.LevelDebug]; all other events use [log/slog.LevelInfo].
// Completion events additionally include t0 (start time), err, and
// errClass; error classification is configurable via [ErrClassifier].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7)
// for each operation, then attach it to the logger with
// [*log/slog.Logger.With] so that all log entries from that operation
// share the same spanID.
//
// # Timeouts
//
// Every blocking operation takes an explicit timeout. A connect is
// bounded by it in total, including the VXI-11 connect, whose inner RPC
// exchanges are individually bounded by the same deadline. A connect
// that misses its deadline is cancelled and leaks no socket. A VXI-11
// receive applies the timeout to each device_read call, and VXI-11
// discovery applies it to each probed subnet and to each responder's
// identification probe, so these can take longer in total.
package lxi
