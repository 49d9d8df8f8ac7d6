package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gopkg.in/yaml.v3"
)

// Flow describes the packets to generate. Every list field picks one
// entry at random per packet, and numeric entries may be ranges written
// as "min-max".
type Flow struct {
	PacketSize int          `yaml:"packet_size"`
	Protocol   string       `yaml:"protocol"` // udp, tcp or icmp
	Ethernet   EthernetFlow `yaml:"ethernet"`
	IP         IPFlow       `yaml:"ip"`
	SrcPorts   []string     `yaml:"src_ports"`
	DstPorts   []string     `yaml:"dst_ports"`
	ICMP       []ICMPType   `yaml:"icmp"`
	Payload    PayloadFlow  `yaml:"payload"`
}

type EthernetFlow struct {
	SrcMAC []string `yaml:"src_mac"`
	DstMAC []string `yaml:"dst_mac"`
}

type IPFlow struct {
	TTL []string `yaml:"ttl"`
	Src []string `yaml:"src"` // single address or "first-last"
	Dst []string `yaml:"dst"`
}

type ICMPType struct {
	Type int `yaml:"type"`
	Code int `yaml:"code"`
}

type PayloadFlow struct {
	Random bool `yaml:"random"`
	// Timestamp puts the send time as a little-endian nanosecond value in
	// the first 8 payload bytes, for latency measurement on the receiver.
	Timestamp bool `yaml:"timestamp"`
}

// loadFlow reads a flow description, or returns the default 64-byte UDP
// broadcast flow when path is empty.
func loadFlow(path string) (*Flow, error) {
	if path == "" {
		return defaultFlow(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %v", err)
	}
	f := new(Flow)
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("parse flow file: %v", err)
	}
	if f.PacketSize == 0 {
		f.PacketSize = 64
	}
	if f.Protocol == "" {
		f.Protocol = "udp"
	}
	return f, nil
}

func defaultFlow() *Flow {
	return &Flow{
		PacketSize: 64,
		Protocol:   "udp",
		Ethernet: EthernetFlow{
			SrcMAC: []string{"02:00:00:00:00:01"},
			DstMAC: []string{"ff:ff:ff:ff:ff:ff"},
		},
		IP: IPFlow{
			TTL: []string{"64"},
			Src: []string{"10.0.0.1"},
			Dst: []string{"10.0.0.2"},
		},
		SrcPorts: []string{"1024-65535"},
		DstPorts: []string{"9"},
	}
}

const (
	ethHeaderLen  = 14
	ipHeaderLen   = 20
	tcpHeaderLen  = 20
	udpHeaderLen  = 8
	icmpHeaderLen = 8
)

// headerLen returns the total header length for a protocol name, or 0
// when the protocol is unknown.
func headerLen(proto string) int {
	switch strings.ToUpper(proto) {
	case "TCP":
		return ethHeaderLen + ipHeaderLen + tcpHeaderLen
	case "UDP":
		return ethHeaderLen + ipHeaderLen + udpHeaderLen
	case "ICMP":
		return ethHeaderLen + ipHeaderLen + icmpHeaderLen
	default:
		return 0
	}
}

// span is an inclusive numeric range. A single value has min == max.
type span struct {
	min, max int
}

func (s span) varies() bool { return s.min != s.max }

func parseSpan(s string) (span, error) {
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		min, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return span{}, fmt.Errorf("invalid range start %q", lo)
		}
		max, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return span{}, fmt.Errorf("invalid range end %q", hi)
		}
		if min > max {
			return span{}, fmt.Errorf("range start %d greater than end %d", min, max)
		}
		return span{min, max}, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return span{}, fmt.Errorf("invalid value %q", s)
	}
	return span{v, v}, nil
}

// parseSpans parses a list of single values and ranges and checks each
// against the [lo, hi] bound.
func parseSpans(list []string, lo, hi int, what string) ([]span, error) {
	spans := make([]span, 0, len(list))
	for _, s := range list {
		sp, err := parseSpan(s)
		if err != nil {
			return nil, fmt.Errorf("%s entry %q: %v", what, s, err)
		}
		if sp.min < lo || sp.max > hi {
			return nil, fmt.Errorf("%s range %d-%d outside %d-%d", what, sp.min, sp.max, lo, hi)
		}
		spans = append(spans, sp)
	}
	return spans, nil
}

// ipSpan is an inclusive IPv4 range held as big-endian integers, so that
// ranges crossing octet boundaries draw uniformly.
type ipSpan struct {
	lo, hi uint32
}

func parseIPSpans(list []string, what string) ([]ipSpan, error) {
	parse := func(s string) (uint32, error) {
		ip := net.ParseIP(strings.TrimSpace(s)).To4()
		if ip == nil {
			return 0, fmt.Errorf("invalid IPv4 address %q", s)
		}
		return binary.BigEndian.Uint32(ip), nil
	}
	spans := make([]ipSpan, 0, len(list))
	for _, s := range list {
		var sp ipSpan
		var err error
		if lo, hi, ok := strings.Cut(s, "-"); ok {
			if sp.lo, err = parse(lo); err != nil {
				return nil, fmt.Errorf("%s entry %q: %v", what, s, err)
			}
			if sp.hi, err = parse(hi); err != nil {
				return nil, fmt.Errorf("%s entry %q: %v", what, s, err)
			}
			if sp.lo > sp.hi {
				return nil, fmt.Errorf("%s range %q runs backwards", what, s)
			}
		} else {
			if sp.lo, err = parse(s); err != nil {
				return nil, fmt.Errorf("%s entry %q: %v", what, s, err)
			}
			sp.hi = sp.lo
		}
		spans = append(spans, sp)
	}
	return spans, nil
}

func parseMACs(list []string, what string) ([]net.HardwareAddr, error) {
	macs := make([]net.HardwareAddr, 0, len(list))
	for _, s := range list {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return nil, fmt.Errorf("%s entry %q: %v", what, s, err)
		}
		macs = append(macs, mac)
	}
	return macs, nil
}

// generator builds packets for one queue. Not safe for concurrent use;
// compile one per sending goroutine.
type generator struct {
	size      int
	proto     string
	srcMACs   []net.HardwareAddr
	dstMACs   []net.HardwareAddr
	srcIPs    []ipSpan
	dstIPs    []ipSpan
	ttls      []span
	srcPorts  []span
	dstPorts  []span
	icmpTypes []layers.ICMPv4TypeCode
	payload   PayloadFlow

	// dynamic says packets differ from each other, so frames have to be
	// rewritten on every send rather than once at startup.
	dynamic bool

	payloadBuf []byte
	buf        gopacket.SerializeBuffer
	opts       gopacket.SerializeOptions
	rnd        *rand.Rand
}

// compile validates the flow and resolves it into a generator. seed keeps
// generators on different queues from producing identical sequences.
func compile(f *Flow, seed int64) (*generator, error) {
	g := &generator{
		size:    f.PacketSize,
		proto:   strings.ToUpper(f.Protocol),
		payload: f.Payload,
		buf:     gopacket.NewSerializeBuffer(),
		opts:    gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		rnd:     rand.New(rand.NewSource(seed)),
	}

	hdr := headerLen(g.proto)
	if hdr == 0 {
		return nil, fmt.Errorf("unsupported protocol %q", f.Protocol)
	}
	payloadLen := f.PacketSize - hdr
	if payloadLen < 0 {
		return nil, fmt.Errorf("packet size %d below the %d byte %s headers", f.PacketSize, hdr, g.proto)
	}
	if f.Payload.Timestamp && payloadLen < 8 {
		return nil, fmt.Errorf("packet size %d leaves no room for the 8 byte timestamp", f.PacketSize)
	}

	var err error
	if g.srcMACs, err = parseMACs(f.Ethernet.SrcMAC, "src_mac"); err != nil {
		return nil, err
	}
	if len(g.srcMACs) == 0 {
		g.srcMACs = []net.HardwareAddr{{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}}
	}
	if g.dstMACs, err = parseMACs(f.Ethernet.DstMAC, "dst_mac"); err != nil {
		return nil, err
	}
	if len(g.dstMACs) == 0 {
		g.dstMACs = []net.HardwareAddr{{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	}
	if g.srcIPs, err = parseIPSpans(f.IP.Src, "ip.src"); err != nil {
		return nil, err
	}
	if g.dstIPs, err = parseIPSpans(f.IP.Dst, "ip.dst"); err != nil {
		return nil, err
	}
	if len(g.srcIPs) == 0 || len(g.dstIPs) == 0 {
		return nil, fmt.Errorf("ip.src and ip.dst must both be set")
	}
	ttls := f.IP.TTL
	if len(ttls) == 0 {
		ttls = []string{"64"}
	}
	if g.ttls, err = parseSpans(ttls, 1, 255, "ttl"); err != nil {
		return nil, err
	}

	switch g.proto {
	case "UDP", "TCP":
		if g.srcPorts, err = parseSpans(f.SrcPorts, 1, 65535, "src_ports"); err != nil {
			return nil, err
		}
		if g.dstPorts, err = parseSpans(f.DstPorts, 1, 65535, "dst_ports"); err != nil {
			return nil, err
		}
		if len(g.srcPorts) == 0 || len(g.dstPorts) == 0 {
			return nil, fmt.Errorf("%s flows need src_ports and dst_ports", g.proto)
		}
	case "ICMP":
		icmp := f.ICMP
		if len(icmp) == 0 {
			icmp = []ICMPType{{Type: 8, Code: 0}} // echo request
		}
		for _, tc := range icmp {
			g.icmpTypes = append(g.icmpTypes, layers.CreateICMPv4TypeCode(uint8(tc.Type), uint8(tc.Code)))
		}
	}

	g.payloadBuf = make([]byte, payloadLen)
	if !f.Payload.Random {
		for i := range g.payloadBuf {
			g.payloadBuf[i] = 'a'
		}
	}

	g.dynamic = f.Payload.Random || f.Payload.Timestamp ||
		len(g.srcMACs) > 1 || len(g.dstMACs) > 1 ||
		len(g.srcIPs) > 1 || len(g.dstIPs) > 1 ||
		len(g.icmpTypes) > 1 ||
		anyVaries(g.ttls) || anyVaries(g.srcPorts) || anyVaries(g.dstPorts) ||
		anyIPVaries(g.srcIPs) || anyIPVaries(g.dstIPs)
	return g, nil
}

func anyVaries(spans []span) bool {
	for _, s := range spans {
		if s.varies() {
			return true
		}
	}
	return false
}

func anyIPVaries(spans []ipSpan) bool {
	for _, s := range spans {
		if s.lo != s.hi {
			return true
		}
	}
	return false
}

func (g *generator) pick(spans []span) int {
	s := spans[g.rnd.Intn(len(spans))]
	if s.min == s.max {
		return s.min
	}
	return s.min + g.rnd.Intn(s.max-s.min+1)
}

func (g *generator) pickIP(spans []ipSpan) net.IP {
	s := spans[g.rnd.Intn(len(spans))]
	v := s.lo
	if s.hi > s.lo {
		v = s.lo + uint32(g.rnd.Int63n(int64(s.hi-s.lo)+1))
	}
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

func (g *generator) pickMAC(macs []net.HardwareAddr) net.HardwareAddr {
	return macs[g.rnd.Intn(len(macs))]
}

// next serializes one packet. The returned slice is only valid until the
// following call.
func (g *generator) next() ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       g.pickMAC(g.srcMACs),
		DstMAC:       g.pickMAC(g.dstMACs),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     uint8(g.pick(g.ttls)),
		SrcIP:   g.pickIP(g.srcIPs),
		DstIP:   g.pickIP(g.dstIPs),
	}

	var transport gopacket.SerializableLayer
	switch g.proto {
	case "UDP":
		udp := layers.UDP{
			SrcPort: layers.UDPPort(g.pick(g.srcPorts)),
			DstPort: layers.UDPPort(g.pick(g.dstPorts)),
		}
		udp.SetNetworkLayerForChecksum(&ip)
		ip.Protocol = layers.IPProtocolUDP
		transport = &udp
	case "TCP":
		tcp := layers.TCP{
			SrcPort: layers.TCPPort(g.pick(g.srcPorts)),
			DstPort: layers.TCPPort(g.pick(g.dstPorts)),
			Seq:     g.rnd.Uint32(),
			SYN:     true,
			Window:  65535,
		}
		tcp.SetNetworkLayerForChecksum(&ip)
		ip.Protocol = layers.IPProtocolTCP
		transport = &tcp
	case "ICMP":
		icmp := layers.ICMPv4{
			TypeCode: g.icmpTypes[g.rnd.Intn(len(g.icmpTypes))],
			Id:       1,
			Seq:      1,
		}
		ip.Protocol = layers.IPProtocolICMPv4
		transport = &icmp
	}

	if g.payload.Random {
		g.rnd.Read(g.payloadBuf)
	}
	if g.payload.Timestamp {
		binary.LittleEndian.PutUint64(g.payloadBuf[:8], uint64(time.Now().UnixNano()))
	}

	if err := g.buf.Clear(); err != nil {
		return nil, err
	}
	err := gopacket.SerializeLayers(g.buf, g.opts, &eth, &ip, transport, gopacket.Payload(g.payloadBuf))
	if err != nil {
		return nil, fmt.Errorf("serialize packet: %v", err)
	}
	pkt := g.buf.Bytes()
	if len(pkt) != g.size {
		return nil, fmt.Errorf("serialized %d bytes instead of %d", len(pkt), g.size)
	}
	return pkt, nil
}
