// Package pcaptest builds small synthetic captures for tests: serialized
// Ethernet/IPv4 packets and classic pcap files containing them.
package pcaptest

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Packet is one test packet with its capture timestamp.
type Packet struct {
	Data []byte
	Time time.Time
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize packet: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func ipv4(src, dst string, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	return eth, ip
}

// UDP builds an Ethernet/IPv4/UDP packet with the given payload.
func UDP(t *testing.T, src, dst string, sport, dport int, payload []byte) []byte {
	t.Helper()
	eth, ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp checksum layer: %v", err)
	}
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

// TCP builds an Ethernet/IPv4/TCP packet.
func TCP(t *testing.T, src, dst string, sport, dport int, seq uint32, payload []byte) []byte {
	t.Helper()
	eth, ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		ACK:     true,
		PSH:     len(payload) > 0,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("tcp checksum layer: %v", err)
	}
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

// DNSQuery builds a DNS A query for name with the given transaction id.
func DNSQuery(t *testing.T, src, dst string, id uint16, name string) []byte {
	t.Helper()
	eth, ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp checksum layer: %v", err)
	}
	dns := &layers.DNS{
		ID:      id,
		RD:      true,
		QDCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	return serialize(t, eth, ip, udp, dns)
}

// DNSResponse builds a DNS A response answering the query with the same id.
func DNSResponse(t *testing.T, src, dst string, id uint16, name, answer string) []byte {
	t.Helper()
	eth, ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 53, DstPort: 40000}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("udp checksum layer: %v", err)
	}
	dns := &layers.DNS{
		ID:      id,
		QR:      true,
		RD:      true,
		RA:      true,
		QDCount: 1,
		ANCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
		Answers: []layers.DNSResourceRecord{{
			Name:  []byte(name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   300,
			IP:    net.ParseIP(answer),
		}},
	}
	return serialize(t, eth, ip, udp, dns)
}

// Write creates a classic pcap file containing the packets.
func Write(t *testing.T, path string, pkts []Packet) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("write pcap header: %v", err)
	}
	writeAll(t, w, pkts)
}

// Append adds packets to an existing pcap file, the way a live capture
// keeps growing the file a session is tailing.
func Append(t *testing.T, path string, pkts []Packet) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open %s for append: %v", path, err)
	}
	defer f.Close()
	writeAll(t, pcapgo.NewWriter(f), pkts)
}

func writeAll(t *testing.T, w *pcapgo.Writer, pkts []Packet) {
	t.Helper()
	for i, p := range pkts {
		ci := gopacket.CaptureInfo{
			Timestamp:     p.Time,
			CaptureLength: len(p.Data),
			Length:        len(p.Data),
		}
		if err := w.WritePacket(ci, p.Data); err != nil {
			t.Fatalf("write packet %d: %v", i+1, err)
		}
	}
}

// Base returns a deterministic base timestamp for test captures.
func Base() time.Time {
	return time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)
}

// Mixed returns a small standard capture: three TCP segments of one
// conversation, a DNS query/response pair, and one more UDP datagram, at
// one-second spacing.
func Mixed(t *testing.T) []Packet {
	t.Helper()
	base := Base()
	return []Packet{
		{Data: TCP(t, "10.0.0.1", "10.0.0.2", 33000, 80, 100, []byte("GET /")), Time: base},
		{Data: DNSQuery(t, "10.0.0.1", "8.8.8.8", 0xbeef, "example.com"), Time: base.Add(1 * time.Second)},
		{Data: TCP(t, "10.0.0.2", "10.0.0.1", 80, 33000, 500, []byte("200 OK")), Time: base.Add(2 * time.Second)},
		{Data: DNSResponse(t, "8.8.8.8", "10.0.0.1", 0xbeef, "example.com", "93.184.216.34"), Time: base.Add(3 * time.Second)},
		{Data: TCP(t, "10.0.0.1", "10.0.0.2", 33000, 80, 105, nil), Time: base.Add(4 * time.Second)},
		{Data: UDP(t, "10.0.0.3", "10.0.0.4", 5000, 6000, []byte("ping")), Time: base.Add(5 * time.Second)},
	}
}
