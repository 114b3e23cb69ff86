// SPDX-License-Identifier: GPL-3.0-or-later

package lxi

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// mdnsPort is the well-known mDNS multicast port.
	mdnsPort = 5353

	// dnssdServiceDiscovery is the DNS-SD meta-query name: its PTR
	// records enumerate the service types a responder offers.
	dnssdServiceDiscovery = "_services._dns-sd._udp.local."

	// mdnsMessageSize is the receive buffer for a single mDNS message.
	mdnsMessageSize = 4096
)

// mdnsIPv4Group and mdnsIPv6Group are the mDNS multicast groups.
var (
	mdnsIPv4Group = net.IPv4(224, 0, 0, 251)
	mdnsIPv6Group = net.ParseIP("ff02::fb")
)

// lxiServiceType pairs a DNS-SD service type label with the pretty name
// reported through the Service callback.
type lxiServiceType struct {
	label  string
	pretty string
}

// lxiServiceTypes lists the service types an LXI instrument may
// advertise, in the order they are matched.
var lxiServiceTypes = []lxiServiceType{
	{"_lxi._tcp", "lxi"},
	{"_vxi-11._tcp", "vxi-11"},
	{"_scpi-raw._tcp", "scpi-raw"},
	{"_scpi-telnet._tcp", "scpi-telnet"},
	{"_hislip._tcp", "hislip"},
}

// prettyServiceType maps a service name to its pretty form using
// substring matching on the known type labels.
func prettyServiceType(name string) (string, bool) {
	for _, st := range lxiServiceTypes {
		if strings.Contains(name, st.label) {
			return st.pretty, true
		}
	}
	return "", false
}

// instanceLabel extracts the service instance portion of fqdn, i.e. the
// labels preceding the service type suffix. It walks label boundaries
// with a proper DNS name parser, so instance labels containing escaped
// dots survive intact. Returns "" when fqdn does not end in suffix.
func instanceLabel(fqdn, suffix string) string {
	for _, idx := range dns.Split(fqdn) {
		if idx > 0 && strings.EqualFold(fqdn[idx:], suffix) {
			return fqdn[:idx-1]
		}
	}
	return ""
}

// mdnsQuerier sends one PTR query. Implemented by [*mdnsSocket];
// abstracted so the resolver state machine is testable without sockets.
type mdnsQuerier interface {
	query(name string) error
}

// mdnsSocket is one multicast UDP socket bound to an interface address.
type mdnsSocket struct {
	conn          *net.UDPConn
	group         *net.UDPAddr
	interfaceName string
	localAddr     string

	logger        SLogger
	errClassifier ErrClassifier
	timeNow       func() time.Time
}

var _ mdnsQuerier = &mdnsSocket{}

// query sends a PTR question for name to the multicast group.
func (s *mdnsSocket) query(name string) error {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{
		Name:   dns.Fqdn(name),
		Qtype:  dns.TypePTR,
		Qclass: dns.ClassINET,
	}}
	raw, err := msg.Pack()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(raw, s.group)
	s.logger.Info(
		"mdnsQuery",
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.String("localAddr", s.localAddr),
		slog.String("mdnsQuestion", name),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", s.group.String()),
		slog.Time("t", s.timeNow()),
	)
	return err
}

// mdnsPacket is one response read from a socket.
type mdnsPacket struct {
	sock *mdnsSocket
	src  *net.UDPAddr
	msg  *dns.Msg
}

// readLoop delivers responses into packets until the deadline passes or
// the socket closes.
func (s *mdnsSocket) readLoop(deadline time.Time, packets chan<- mdnsPacket) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return
	}
	buffer := make([]byte, mdnsMessageSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buffer[:n]); err != nil {
			continue
		}
		if !msg.Response {
			continue
		}
		s.logger.Info(
			"mdnsResponse",
			slog.Int("mdnsAnswerCount", len(msg.Answer)),
			slog.String("localAddr", s.localAddr),
			slog.String("protocol", "udp"),
			slog.String("remoteAddr", src.String()),
			slog.Time("t", s.timeNow()),
		)
		packets <- mdnsPacket{sock: s, src: src, msg: msg}
	}
}

// mdnsProbe tracks one discovered service through the two-stage
// resolution: stage 1 names the service type, stage 2 fills in the
// instance name (PTR) and port (SRV).
type mdnsProbe struct {
	ip          string
	mdnsPort    int
	serviceType string // fully qualified, e.g. "_lxi._tcp.local."
	name        string
	done        bool
}

// mdnsResolver correlates PTR and SRV records across unsolicited
// packets and fires the Service callback for completed probes.
type mdnsResolver struct {
	info    *DiscoverInfo
	pending map[string]*mdnsProbe
}

func newMDNSResolver(info *DiscoverInfo) *mdnsResolver {
	return &mdnsResolver{
		info:    info,
		pending: make(map[string]*mdnsProbe),
	}
}

// probeKey identifies a probe by responder address and service type.
func probeKey(ip, serviceType string) string {
	return ip + "|" + serviceType
}

// handlePacket advances the per-service state machines with one response.
//
// A stage-1 answer is a PTR under the service-discovery meta-name whose
// target is an LXI service type: it opens a probe and sends the stage-2
// query on the socket the answer arrived on. A stage-2 PTR yields the
// instance name. A stage-2 SRV is accepted only from the same
// address/port that opened the probe, rejecting unsolicited records; it
// completes the probe.
func (r *mdnsResolver) handlePacket(q mdnsQuerier, src *net.UDPAddr, msg *dns.Msg) {
	ip := src.IP.String()
	for _, answer := range msg.Answer {
		switch rr := answer.(type) {
		case *dns.PTR:
			if strings.EqualFold(rr.Hdr.Name, dnssdServiceDiscovery) {
				r.openProbe(q, ip, src.Port, rr.Ptr)
				continue
			}
			if probe, ok := r.pending[probeKey(ip, rr.Hdr.Name)]; ok &&
				!probe.done && probe.mdnsPort == src.Port {
				probe.name = instanceLabel(rr.Ptr, rr.Hdr.Name)
			}
		case *dns.SRV:
			r.completeProbe(ip, src.Port, rr)
		}
	}
}

// openProbe records a pending probe and sends the stage-2 PTR query.
func (r *mdnsResolver) openProbe(q mdnsQuerier, ip string, port int, serviceType string) {
	if _, ok := prettyServiceType(serviceType); !ok {
		return
	}
	key := probeKey(ip, serviceType)
	if _, ok := r.pending[key]; ok {
		return
	}
	r.pending[key] = &mdnsProbe{
		ip:          ip,
		mdnsPort:    port,
		serviceType: serviceType,
	}
	q.query(serviceType)
}

// completeProbe matches an SRV record against the pending probes.
func (r *mdnsResolver) completeProbe(ip string, port int, rr *dns.SRV) {
	for _, probe := range r.pending {
		if probe.done || probe.ip != ip || probe.mdnsPort != port {
			continue
		}
		if instanceLabel(rr.Hdr.Name, probe.serviceType) == "" &&
			!strings.EqualFold(rr.Hdr.Name, probe.serviceType) {
			continue
		}
		probe.done = true
		name := probe.name
		if name == "" {
			name = instanceLabel(rr.Hdr.Name, probe.serviceType)
		}
		pretty, _ := prettyServiceType(probe.serviceType)
		if r.info.Service != nil {
			r.info.Service(probe.ip, name, pretty, int(rr.Port))
		}
		return
	}
}

// flush reports probes whose second stage never completed. The service
// is still announced, with unknown name and port.
func (r *mdnsResolver) flush() {
	for _, probe := range r.pending {
		if probe.done {
			continue
		}
		pretty, _ := prettyServiceType(probe.serviceType)
		if r.info.Service != nil {
			r.info.Service(probe.ip, "Unknown", pretty, 0)
		}
	}
}

// discoverMDNS runs a DNS-SD service-type discovery across the usable
// interfaces, reading responses until timeout elapses.
func (d *Discoverer) discoverMDNS(info *DiscoverInfo, ifname string, timeout time.Duration) error {
	sockets := d.openMulticastSockets(info, ifname)
	if len(sockets) == 0 {
		return fmt.Errorf("lxi: failed to open any multicast sockets")
	}
	defer func() {
		for _, sock := range sockets {
			sock.conn.Close()
		}
	}()

	for _, sock := range sockets {
		sock.query(dnssdServiceDiscovery)
	}

	deadline := d.cfg.TimeNow().Add(timeout)
	packets := make(chan mdnsPacket, 32)
	var wg sync.WaitGroup
	for _, sock := range sockets {
		wg.Add(1)
		go func(s *mdnsSocket) {
			defer wg.Done()
			s.readLoop(deadline, packets)
		}(sock)
	}
	go func() {
		wg.Wait()
		close(packets)
	}()

	resolver := newMDNSResolver(info)
	for packet := range packets {
		resolver.handlePacket(packet.sock, packet.src, packet.msg)
	}
	resolver.flush()
	return nil
}

// openMulticastSockets opens one socket per usable interface address,
// skipping interfaces that are down, loopback, point-to-point, or not
// multicast capable, and skipping link-local IPv6 addresses. TUN-style
// tunnel interfaces carry the point-to-point flag and are excluded with
// it; there is no separate tunnel flag in [net.Interface.Flags]. The
// Broadcast callback fires once per opened socket.
func (d *Discoverer) openMulticastSockets(info *DiscoverInfo, ifname string) []*mdnsSocket {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var sockets []*mdnsSocket
	for i := range interfaces {
		iface := interfaces[i]
		if ifname != "" && iface.Name != ifname {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagPointToPoint != 0 {
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
			sock := d.openMulticastSocket(&iface, ipnet.IP)
			if sock == nil {
				continue
			}
			sockets = append(sockets, sock)
			if info.Broadcast != nil {
				info.Broadcast(sock.localAddr, iface.Name)
			}
		}
	}
	return sockets
}

// openMulticastSocket binds one UDP socket to the interface address and
// joins the matching mDNS group. Returns nil when the address family is
// unusable for discovery.
func (d *Discoverer) openMulticastSocket(iface *net.Interface, ip net.IP) *mdnsSocket {
	if ip4 := ip.To4(); ip4 != nil {
		if ip4.IsLoopback() {
			return nil
		}
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip4})
		if err != nil {
			return nil
		}
		pc := ipv4.NewPacketConn(conn)
		pc.SetMulticastInterface(iface)
		pc.SetMulticastTTL(255)
		pc.JoinGroup(iface, &net.UDPAddr{IP: mdnsIPv4Group})
		return d.newMDNSSocket(conn, iface, ip4.String(), &net.UDPAddr{IP: mdnsIPv4Group, Port: d.mdnsPort})
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return nil
	}
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: ip, Zone: iface.Name})
	if err != nil {
		return nil
	}
	pc := ipv6.NewPacketConn(conn)
	pc.SetMulticastInterface(iface)
	pc.SetMulticastHopLimit(255)
	pc.JoinGroup(iface, &net.UDPAddr{IP: mdnsIPv6Group})
	return d.newMDNSSocket(conn, iface, ip.String(), &net.UDPAddr{IP: mdnsIPv6Group, Port: d.mdnsPort, Zone: iface.Name})
}

func (d *Discoverer) newMDNSSocket(conn *net.UDPConn, iface *net.Interface, localAddr string, group *net.UDPAddr) *mdnsSocket {
	return &mdnsSocket{
		conn:          conn,
		group:         group,
		interfaceName: iface.Name,
		localAddr:     localAddr,
		logger:        d.cfg.Logger,
		errClassifier: d.cfg.ErrClassifier,
		timeNow:       d.cfg.TimeNow,
	}
}
