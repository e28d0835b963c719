// Package dissect turns raw record bytes into a structured result: summary
// columns, an optional protocol layer tree, a field environment for the
// filter engine, and dependency links to earlier frames.
//
// A Context carries all cross-packet state the dissection accumulates (TCP
// stream numbering, DNS transaction tracking). That state may depend on
// preferences, so a redissection discards the context and starts over.
package dissect

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Zerofisher/capfile/frame"
)

// Columns is the summary line of a dissected frame.
type Columns struct {
	Protocol    string
	Source      string
	Destination string
	Info        string
}

// Layer is one node of the protocol tree.
type Layer struct {
	Name    string
	Details []string
}

// Fields is the environment the filter engine evaluates predicates against.
// Field names follow Wireshark conventions so display filters read the same
// way they do there.
type Fields struct {
	Frame struct {
		Number    int     `expr:"number"`
		Len       int     `expr:"len"`
		CapLen    int     `expr:"cap_len"`
		TimeEpoch float64 `expr:"time_epoch"`
		Protocols string  `expr:"protocols"`
	} `expr:"frame"`

	Eth struct {
		Src  string `expr:"src"`
		Dst  string `expr:"dst"`
		Type string `expr:"type"`
	} `expr:"eth"`

	IP struct {
		Src   string `expr:"src"`
		Dst   string `expr:"dst"`
		Proto string `expr:"proto"`
		TTL   int    `expr:"ttl"`
	} `expr:"ip"`

	TCP struct {
		SrcPort int    `expr:"srcport"`
		DstPort int    `expr:"dstport"`
		Seq     uint32 `expr:"seq"`
		Ack     uint32 `expr:"ack"`
		Len     int    `expr:"len"`
		Stream  int    `expr:"stream"`
		Flags   struct {
			Syn bool `expr:"syn"`
			Ack bool `expr:"ack"`
			Fin bool `expr:"fin"`
			Rst bool `expr:"rst"`
			Psh bool `expr:"psh"`
		} `expr:"flags"`
	} `expr:"tcp"`

	UDP struct {
		SrcPort int `expr:"srcport"`
		DstPort int `expr:"dstport"`
	} `expr:"udp"`

	DNS struct {
		Qry struct {
			Name string `expr:"name"`
			Type string `expr:"type"`
		} `expr:"qry"`
		Flags struct {
			Response bool `expr:"response"`
		} `expr:"flags"`
	} `expr:"dns"`

	ICMP struct {
		Type int `expr:"type"`
		Code int `expr:"code"`
	} `expr:"icmp"`

	IsIP   bool `expr:"is_ip"`
	IsTCP  bool `expr:"is_tcp"`
	IsUDP  bool `expr:"is_udp"`
	IsDNS  bool `expr:"is_dns"`
	IsICMP bool `expr:"is_icmp"`
	IsARP  bool `expr:"is_arp"`
}

// Dissection is the result of running the dissector over one record.
type Dissection struct {
	Cols   Columns
	Fields Fields

	// Layers is the protocol tree; nil when the pass did not request one.
	Layers []Layer

	// DependsOn lists frames this frame's interpretation relies on, such as
	// the query a DNS response answers. When this frame is displayed those
	// frames are marked as depended upon.
	DependsOn []uint32
}

// Context is the per-session dissection state.
type Context struct {
	linkType layers.LinkType

	// dnsQueries maps a DNS transaction id to the frame that carried the
	// query, so responses can link back to it.
	dnsQueries map[uint16]uint32

	// streams numbers TCP conversations in order of first appearance.
	streams    map[string]int
	nextStream int
}

// NewContext creates a dissection context for records of the given link type.
func NewContext(linkType layers.LinkType) *Context {
	c := &Context{linkType: linkType}
	c.Reset()
	return c
}

// Reset discards all cross-packet state. Run after preference changes that
// may alter how state would have been built.
func (c *Context) Reset() {
	c.dnsQueries = make(map[uint16]uint32)
	c.streams = make(map[string]int)
	c.nextStream = 0
}

// Run dissects one record. The frame supplies identity (number, lengths,
// timestamp); wantTree controls whether the layer tree is built, which is
// the expensive part and is skipped when nothing downstream needs it.
func (c *Context) Run(data []byte, f *frame.Frame, wantTree bool) *Dissection {
	d := &Dissection{}
	d.Fields.Frame.Number = int(f.Num)
	d.Fields.Frame.Len = f.Len
	d.Fields.Frame.CapLen = f.CapLen
	d.Fields.Frame.TimeEpoch = float64(f.TimeNS) / 1e9

	pkt := gopacket.NewPacket(data, c.linkType, gopacket.DecodeOptions{NoCopy: true})

	var protocols []string
	addLayer := func(name string, details ...string) {
		protocols = append(protocols, strings.ToLower(name))
		if wantTree {
			d.Layers = append(d.Layers, Layer{Name: name, Details: details})
		}
	}

	if ethLayer := pkt.Layer(layers.LayerTypeEthernet); ethLayer != nil {
		eth := ethLayer.(*layers.Ethernet)
		d.Fields.Eth.Src = eth.SrcMAC.String()
		d.Fields.Eth.Dst = eth.DstMAC.String()
		d.Fields.Eth.Type = eth.EthernetType.String()
		d.Cols.Source = eth.SrcMAC.String()
		d.Cols.Destination = eth.DstMAC.String()
		addLayer("eth",
			fmt.Sprintf("Source: %s", eth.SrcMAC),
			fmt.Sprintf("Destination: %s", eth.DstMAC),
			fmt.Sprintf("Type: %s (0x%04x)", eth.EthernetType, uint16(eth.EthernetType)))
	}

	if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
		arp := arpLayer.(*layers.ARP)
		d.Fields.IsARP = true
		d.Cols.Protocol = "ARP"
		src := fmt.Sprintf("%d.%d.%d.%d", arp.SourceProtAddress[0], arp.SourceProtAddress[1], arp.SourceProtAddress[2], arp.SourceProtAddress[3])
		dst := fmt.Sprintf("%d.%d.%d.%d", arp.DstProtAddress[0], arp.DstProtAddress[1], arp.DstProtAddress[2], arp.DstProtAddress[3])
		switch arp.Operation {
		case layers.ARPRequest:
			d.Cols.Info = fmt.Sprintf("Who has %s? Tell %s", dst, src)
		case layers.ARPReply:
			d.Cols.Info = fmt.Sprintf("%s is at %s", src, d.Fields.Eth.Src)
		default:
			d.Cols.Info = fmt.Sprintf("ARP operation %d", arp.Operation)
		}
		addLayer("arp",
			fmt.Sprintf("Operation: %d", arp.Operation),
			fmt.Sprintf("Sender IP: %s", src),
			fmt.Sprintf("Target IP: %s", dst))
	}

	if ipLayer := pkt.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		d.Fields.IsIP = true
		d.Fields.IP.Src = ip.SrcIP.String()
		d.Fields.IP.Dst = ip.DstIP.String()
		d.Fields.IP.Proto = ip.Protocol.String()
		d.Fields.IP.TTL = int(ip.TTL)
		d.Cols.Source = ip.SrcIP.String()
		d.Cols.Destination = ip.DstIP.String()
		d.Cols.Protocol = ip.Protocol.String()
		addLayer("ip",
			"Version: 4",
			fmt.Sprintf("Total Length: %d", ip.Length),
			fmt.Sprintf("TTL: %d", ip.TTL),
			fmt.Sprintf("Protocol: %s (%d)", ip.Protocol, uint8(ip.Protocol)),
			fmt.Sprintf("Source: %s", ip.SrcIP),
			fmt.Sprintf("Destination: %s", ip.DstIP))
	}

	if ipLayer := pkt.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		d.Fields.IsIP = true
		d.Fields.IP.Src = ip.SrcIP.String()
		d.Fields.IP.Dst = ip.DstIP.String()
		d.Fields.IP.Proto = ip.NextHeader.String()
		d.Cols.Source = ip.SrcIP.String()
		d.Cols.Destination = ip.DstIP.String()
		d.Cols.Protocol = ip.NextHeader.String()
		addLayer("ipv6",
			"Version: 6",
			fmt.Sprintf("Payload Length: %d", ip.Length),
			fmt.Sprintf("Next Header: %s (%d)", ip.NextHeader, uint8(ip.NextHeader)),
			fmt.Sprintf("Source: %s", ip.SrcIP),
			fmt.Sprintf("Destination: %s", ip.DstIP))
	}

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		d.Fields.IsTCP = true
		d.Cols.Protocol = "TCP"
		d.Fields.TCP.SrcPort = int(tcp.SrcPort)
		d.Fields.TCP.DstPort = int(tcp.DstPort)
		d.Fields.TCP.Seq = tcp.Seq
		d.Fields.TCP.Ack = tcp.Ack
		d.Fields.TCP.Len = len(tcp.Payload)
		d.Fields.TCP.Flags.Syn = tcp.SYN
		d.Fields.TCP.Flags.Ack = tcp.ACK
		d.Fields.TCP.Flags.Fin = tcp.FIN
		d.Fields.TCP.Flags.Rst = tcp.RST
		d.Fields.TCP.Flags.Psh = tcp.PSH
		d.Fields.TCP.Stream = c.streamIndex(d.Fields.IP.Src, d.Fields.IP.Dst, int(tcp.SrcPort), int(tcp.DstPort))

		flags := tcpFlagString(tcp)
		d.Cols.Info = fmt.Sprintf("%d → %d [%s] Seq=%d Ack=%d Win=%d Len=%d",
			tcp.SrcPort, tcp.DstPort, flags, tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload))
		addLayer("tcp",
			fmt.Sprintf("Source Port: %d", tcp.SrcPort),
			fmt.Sprintf("Destination Port: %d", tcp.DstPort),
			fmt.Sprintf("Sequence Number: %d", tcp.Seq),
			fmt.Sprintf("Acknowledgment Number: %d", tcp.Ack),
			fmt.Sprintf("Flags: %s", flags),
			fmt.Sprintf("Window Size: %d", tcp.Window),
			fmt.Sprintf("Stream index: %d", d.Fields.TCP.Stream))
	}

	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		d.Fields.IsUDP = true
		d.Cols.Protocol = "UDP"
		d.Fields.UDP.SrcPort = int(udp.SrcPort)
		d.Fields.UDP.DstPort = int(udp.DstPort)
		d.Cols.Info = fmt.Sprintf("%d → %d Len=%d", udp.SrcPort, udp.DstPort, udp.Length)
		addLayer("udp",
			fmt.Sprintf("Source Port: %d", udp.SrcPort),
			fmt.Sprintf("Destination Port: %d", udp.DstPort),
			fmt.Sprintf("Length: %d", udp.Length))
	}

	if icmpLayer := pkt.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
		icmp := icmpLayer.(*layers.ICMPv4)
		d.Fields.IsICMP = true
		d.Cols.Protocol = "ICMP"
		d.Fields.ICMP.Type = int(icmp.TypeCode.Type())
		d.Fields.ICMP.Code = int(icmp.TypeCode.Code())
		d.Cols.Info = fmt.Sprintf("%s (type=%d, code=%d)",
			icmp.TypeCode.String(), icmp.TypeCode.Type(), icmp.TypeCode.Code())
		addLayer("icmp",
			fmt.Sprintf("Type: %d", icmp.TypeCode.Type()),
			fmt.Sprintf("Code: %d", icmp.TypeCode.Code()))
	}

	if dnsLayer := pkt.Layer(layers.LayerTypeDNS); dnsLayer != nil {
		dns := dnsLayer.(*layers.DNS)
		d.Fields.IsDNS = true
		d.Cols.Protocol = "DNS"
		d.Fields.DNS.Flags.Response = dns.QR
		if len(dns.Questions) > 0 {
			d.Fields.DNS.Qry.Name = string(dns.Questions[0].Name)
			d.Fields.DNS.Qry.Type = dns.Questions[0].Type.String()
		}
		c.trackDNS(dns, f, d)
		details := []string{
			fmt.Sprintf("Transaction ID: 0x%04x", dns.ID),
			fmt.Sprintf("Questions: %d", len(dns.Questions)),
			fmt.Sprintf("Answer RRs: %d", len(dns.Answers)),
		}
		for _, q := range dns.Questions {
			details = append(details, fmt.Sprintf("Query: %s %s", string(q.Name), q.Type))
		}
		for _, a := range dns.Answers {
			details = append(details, fmt.Sprintf("Answer: %s %s -> %s", string(a.Name), a.Type, dnsData(a)))
		}
		addLayer("dns", details...)
	}

	d.Fields.Frame.Protocols = strings.Join(protocols, ":")
	if d.Cols.Protocol == "" {
		d.Cols.Protocol = c.linkType.String()
	}
	if d.Cols.Info == "" {
		d.Cols.Info = fmt.Sprintf("%s, %d bytes", d.Cols.Protocol, f.Len)
	}
	return d
}

// trackDNS records queries and links responses back to their query frame.
func (c *Context) trackDNS(dns *layers.DNS, f *frame.Frame, d *Dissection) {
	if !dns.QR {
		c.dnsQueries[dns.ID] = f.Num
		if len(dns.Questions) > 0 {
			d.Cols.Info = fmt.Sprintf("Query 0x%04x %s %s", dns.ID,
				dns.Questions[0].Type, string(dns.Questions[0].Name))
		} else {
			d.Cols.Info = fmt.Sprintf("Query 0x%04x", dns.ID)
		}
		return
	}
	if qnum, ok := c.dnsQueries[dns.ID]; ok && qnum != f.Num {
		d.DependsOn = append(d.DependsOn, qnum)
	}
	if len(dns.Answers) > 0 {
		d.Cols.Info = fmt.Sprintf("Response 0x%04x %s -> %s", dns.ID,
			string(dns.Answers[0].Name), dnsData(dns.Answers[0]))
	} else {
		d.Cols.Info = fmt.Sprintf("Response 0x%04x (no answers)", dns.ID)
	}
}

// streamIndex numbers bidirectional TCP conversations in order of first
// appearance, normalizing the endpoint order so both directions share one
// index.
func (c *Context) streamIndex(srcIP, dstIP string, srcPort, dstPort int) int {
	a := fmt.Sprintf("%s:%d", srcIP, srcPort)
	b := fmt.Sprintf("%s:%d", dstIP, dstPort)
	if a > b {
		a, b = b, a
	}
	key := a + "-" + b
	if idx, ok := c.streams[key]; ok {
		return idx
	}
	idx := c.nextStream
	c.streams[key] = idx
	c.nextStream++
	return idx
}

func tcpFlagString(tcp *layers.TCP) string {
	var flags []string
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}
	if tcp.PSH {
		flags = append(flags, "PSH")
	}
	if tcp.ACK {
		flags = append(flags, "ACK")
	}
	if tcp.URG {
		flags = append(flags, "URG")
	}
	return strings.Join(flags, ",")
}

func dnsData(rr layers.DNSResourceRecord) string {
	switch rr.Type {
	case layers.DNSTypeA, layers.DNSTypeAAAA:
		return rr.IP.String()
	case layers.DNSTypeCNAME:
		return string(rr.CNAME)
	case layers.DNSTypeNS:
		return string(rr.NS)
	case layers.DNSTypeTXT:
		return fmt.Sprintf("%s", rr.TXTs)
	default:
		return fmt.Sprintf("%v", rr.Data)
	}
}
