// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// idnRequest is the SCPI identification query used to confirm that a
// portmapper responder really is an LXI instrument.
const idnRequest = "*IDN?\n"

// DiscoverMode selects the discovery mechanism.
type DiscoverMode int

const (
	// DiscoverVXI11 probes for instruments with a PORTMAP GETPORT
	// broadcast on every usable IPv4 interface.
	DiscoverVXI11 DiscoverMode = iota

	// DiscoverMDNS queries for LXI service types over mDNS/DNS-SD.
	DiscoverMDNS
)

// DiscoverInfo carries the discovery callbacks. Any callback may be nil,
// in which case the corresponding notification is skipped.
//
// Callbacks run on the discovery goroutine. Do not re-enter the package
// on the same handle from within a callback. A callback's findings are
// delivered as they are made and never stored.
type DiscoverInfo struct {
	// Broadcast is invoked once per probed interface address, before
	// any device is reported for it.
	Broadcast func(address, interfaceName string)

	// Device is invoked for each VXI-11 instrument found, with the
	// instrument's address and identification string.
	Device func(address, id string)

	// Service is invoked for each mDNS service found, with the
	// instrument's address, instance name, pretty service type
	// (e.g. "vxi-11"), and port.
	Service func(address, name, serviceType string, port int)
}

// broadcastTarget is one IPv4 interface address to probe.
type broadcastTarget struct {
	broadcast     net.IP
	interfaceName string
}

// Discoverer finds instruments on the local network.
//
// Construct with [NewDiscoverer]. The zero value is not usable.
type Discoverer struct {
	// cfg carries the ambient dependencies.
	cfg *Config

	// portmapPort is the UDP port the GETPORT broadcast targets.
	// Overridable for testing; defaults to the well-known port 111.
	portmapPort int

	// mdnsPort is the mDNS multicast port. Overridable for testing.
	mdnsPort int

	// httpPort is where the identification fallback connects.
	// Overridable for testing.
	httpPort int

	// broadcastTargets enumerates IPv4 broadcast addresses, optionally
	// restricted to one interface. Overridable for testing.
	broadcastTargets func(ifname string) ([]broadcastTarget, error)

	// probeDevice fetches the identification string of a VXI-11
	// responder. Overridable for testing.
	probeDevice func(address string, timeout time.Duration) (string, error)
}

// NewDiscoverer creates a [*Discoverer] using the given configuration,
// or [NewConfig] defaults when cfg is nil.
func NewDiscoverer(cfg *Config) *Discoverer {
	if cfg == nil {
		cfg = NewConfig()
	}
	d := &Discoverer{
		cfg:              cfg,
		portmapPort:      portmapPort,
		mdnsPort:         mdnsPort,
		httpPort:         httpIdentificationPort,
		broadcastTargets: ipv4BroadcastTargets,
	}
	d.probeDevice = d.deviceID
	return d
}

// Discover searches every usable interface for instruments, reporting
// findings through info's callbacks. VXI-11 discovery waits up to
// timeout for replies on each subnet in turn; mDNS discovery reads
// responses until timeout elapses.
func (d *Discoverer) Discover(info *DiscoverInfo, timeout time.Duration, mode DiscoverMode) error {
	return d.DiscoverInterface(info, "", timeout, mode)
}

// DiscoverInterface is like [Discoverer.Discover] restricted to the
// named interface; an empty name means all interfaces.
func (d *Discoverer) DiscoverInterface(info *DiscoverInfo, ifname string, timeout time.Duration, mode DiscoverMode) error {
	switch mode {
	case DiscoverVXI11:
		return d.discoverVXI11(info, ifname, timeout)
	case DiscoverMDNS:
		return d.discoverMDNS(info, ifname, timeout)
	default:
		return fmt.Errorf("lxi: unknown discover mode (%d)", mode)
	}
}

// discoverVXI11 walks the broadcast-capable IPv4 interface addresses and
// probes each subnet. Per-subnet failures do not abort the walk.
func (d *Discoverer) discoverVXI11(info *DiscoverInfo, ifname string, timeout time.Duration) error {
	targets, err := d.broadcastTargets(ifname)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if info.Broadcast != nil {
			info.Broadcast(target.broadcast.String(), target.interfaceName)
		}
		d.probeSubnet(target.broadcast, info, timeout)
	}
	return nil
}

// probeSubnet broadcasts the frozen GETPORT datagram on one subnet and
// probes every responder with an identification query. The socket's
// receive deadline terminates the reply loop.
func (d *Discoverer) probeSubnet(broadcast net.IP, info *DiscoverInfo, timeout time.Duration) error {
	conn, err := listenBroadcastUDP()
	if err != nil {
		return err
	}
	defer conn.Close()

	t0 := d.cfg.TimeNow()
	deadline := t0.Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	destination := &net.UDPAddr{IP: broadcast, Port: d.portmapPort}
	d.logProbeStart(destination, t0, deadline)
	if _, err := conn.WriteToUDP(getPortRequest, destination); err != nil {
		d.logProbeDone(destination, t0, deadline, 0, err)
		return err
	}

	responders := 0
	buffer := make([]byte, IDLengthMax)
	for {
		n, source, err := conn.ReadFromUDP(buffer)
		if err != nil {
			// The receive deadline is the loop's only termination.
			break
		}
		if n <= 0 {
			continue
		}
		responders++
		address := source.IP.String()
		id, err := d.probeDevice(address, timeout)
		if err != nil {
			continue
		}
		if info.Device != nil {
			info.Device(address, id)
		}
	}
	d.logProbeDone(destination, t0, deadline, responders, nil)
	return nil
}

// deviceID fetches the identification string over a throwaway VXI-11
// session. An empty SCPI reply triggers the HTTP identification fallback.
func (d *Discoverer) deviceID(address string, timeout time.Duration) (string, error) {
	tr := newVXI11Transport(d.cfg)
	tr.portmapPort = d.portmapPort
	if err := tr.connect(address, 0, "", timeout); err != nil {
		return "", err
	}
	defer tr.disconnect()

	if _, err := tr.send([]byte(idnRequest), timeout); err != nil {
		return "", err
	}
	buffer := make([]byte, IDLengthMax)
	n, err := tr.receive(buffer, timeout)
	if err != nil {
		return "", err
	}

	id := string(buffer[:n])
	id = strings.TrimSuffix(id, "\n")
	id = strings.TrimSuffix(id, "\r")
	if id == "" {
		return d.httpIdentification(address, timeout)
	}
	return id, nil
}

// ipv4BroadcastTargets computes the directed broadcast address of every
// up, broadcast-capable IPv4 interface address, optionally restricted to
// one named interface.
func ipv4BroadcastTargets(ifname string) ([]broadcastTarget, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var targets []broadcastTarget
	for _, iface := range interfaces {
		if ifname != "" && iface.Name != ifname {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			broadcast := make(net.IP, net.IPv4len)
			for i := range broadcast {
				broadcast[i] = ip[i] | ^mask[i]
			}
			targets = append(targets, broadcastTarget{
				broadcast:     broadcast,
				interfaceName: iface.Name,
			})
		}
	}
	return targets, nil
}

func (d *Discoverer) logProbeStart(destination *net.UDPAddr, t0 time.Time, deadline time.Time) {
	d.cfg.Logger.Info(
		"getportProbeStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", destination.String()),
		slog.Time("t", t0),
	)
}

func (d *Discoverer) logProbeDone(destination *net.UDPAddr, t0 time.Time, deadline time.Time, responders int, err error) {
	d.cfg.Logger.Info(
		"getportProbeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", d.cfg.ErrClassifier.Classify(err)),
		slog.Int("responders", responders),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", destination.String()),
		slog.Time("t0", t0),
		slog.Time("t", d.cfg.TimeNow()),
	)
}
