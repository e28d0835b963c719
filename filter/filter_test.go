package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Zerofisher/capfile/dissect"
)

func tcpDissection(srcPort, dstPort int) *dissect.Dissection {
	d := &dissect.Dissection{}
	d.Fields.IsIP = true
	d.Fields.IsTCP = true
	d.Fields.IP.Src = "10.0.0.1"
	d.Fields.IP.Dst = "10.0.0.2"
	d.Fields.TCP.SrcPort = srcPort
	d.Fields.TCP.DstPort = dstPort
	return d
}

func dnsDissection(name string, response bool) *dissect.Dissection {
	d := &dissect.Dissection{}
	d.Fields.IsIP = true
	d.Fields.IsUDP = true
	d.Fields.IsDNS = true
	d.Fields.DNS.Qry.Name = name
	d.Fields.DNS.Flags.Response = response
	return d
}

func TestCompileRejectsEmpty(t *testing.T) {
	_, err := Compile("")
	require.Error(t, err)
	_, err = Compile("   ")
	require.Error(t, err)
}

func TestNilPredicateMatchesEverything(t *testing.T) {
	var p *Predicate
	require.True(t, p.Match(tcpDissection(1, 2)))
	require.Equal(t, "", p.Text())
}

func TestProtocolNameShorthand(t *testing.T) {
	p, err := Compile("tcp")
	require.NoError(t, err)
	require.True(t, p.Match(tcpDissection(33000, 80)))
	require.False(t, p.Match(dnsDissection("example.com", false)))

	p, err = Compile("dns && !dns.flags.response")
	require.NoError(t, err)
	require.True(t, p.Match(dnsDissection("example.com", false)))
	require.False(t, p.Match(dnsDissection("example.com", true)))
}

func TestShorthandLeavesFieldReferencesAlone(t *testing.T) {
	p, err := Compile("tcp.srcport == 33000")
	require.NoError(t, err)
	require.True(t, p.Match(tcpDissection(33000, 80)))
	require.False(t, p.Match(tcpDissection(80, 33000)))
}

func TestPortShorthandExpandsBothDirections(t *testing.T) {
	p, err := Compile("tcp.port == 80")
	require.NoError(t, err)
	require.True(t, p.Match(tcpDissection(33000, 80)))
	require.True(t, p.Match(tcpDissection(80, 33000)))
	require.False(t, p.Match(tcpDissection(33000, 443)))
}

func TestSetLiteralBraces(t *testing.T) {
	p, err := Compile("tcp.dstport in {80, 443}")
	require.NoError(t, err)
	require.True(t, p.Match(tcpDissection(33000, 443)))
	require.False(t, p.Match(tcpDissection(33000, 8080)))
}

func TestStringComparison(t *testing.T) {
	p, err := Compile(`dns.qry.name == "example.com"`)
	require.NoError(t, err)
	require.True(t, p.Match(dnsDissection("example.com", false)))
	require.False(t, p.Match(dnsDissection("other.org", false)))
}

func TestCompileErrorMentionsExpression(t *testing.T) {
	_, err := Compile("tcp &&")
	require.Error(t, err)
	require.Contains(t, err.Error(), "tcp &&")
}

func TestTextRoundTrip(t *testing.T) {
	p, err := Compile("tcp.port == 80")
	require.NoError(t, err)
	require.Equal(t, "tcp.port == 80", p.Text())
}

func TestCompileFieldExtractsValues(t *testing.T) {
	src, err := CompileField("ip.src")
	require.NoError(t, err)
	require.Equal(t, "ip.src", src.Name())
	require.Equal(t, "10.0.0.1", src.Value(tcpDissection(1, 2)))

	port, err := CompileField("tcp.srcport")
	require.NoError(t, err)
	require.Equal(t, 33000, port.Value(tcpDissection(33000, 80)))

	name, err := CompileField("dns.qry.name")
	require.NoError(t, err)
	require.Equal(t, "example.com", name.Value(dnsDissection("example.com", false)))
	// Non-DNS frames still carry the zero value, not an error.
	require.Equal(t, "", name.Value(tcpDissection(1, 2)))
}

func TestCompileFieldRejectsUnknownNames(t *testing.T) {
	_, err := CompileField("nope.nothing")
	require.Error(t, err)
	_, err = CompileField("")
	require.Error(t, err)
}
