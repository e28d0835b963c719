package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/frame"
	"github.com/Zerofisher/capfile/internal/pcaptest"
)

func dissectMixed(t *testing.T) ([]*frame.Frame, []*dissect.Dissection, [][]byte) {
	t.Helper()
	ctx := dissect.NewContext(layers.LinkTypeEthernet)
	var (
		frames [][]byte
		fs     []*frame.Frame
		ds     []*dissect.Dissection
	)
	for i, p := range pcaptest.Mixed(t) {
		f := &frame.Frame{
			Num:    uint32(i + 1),
			CapLen: len(p.Data),
			Len:    len(p.Data),
			TimeNS: p.Time.UnixNano(),
		}
		fs = append(fs, f)
		ds = append(ds, ctx.Run(p.Data, f, true))
		frames = append(frames, p.Data)
	}
	return fs, ds, frames
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	require.Error(t, err)
}

func TestTextExport(t *testing.T) {
	fs, ds, _ := dissectMixed(t)
	var buf bytes.Buffer
	e := New(&buf, FormatText)
	for i := range fs {
		require.NoError(t, e.Packet(fs[i], ds[i], nil))
	}
	require.NoError(t, e.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	require.Contains(t, lines[1], "DNS")
	require.Contains(t, lines[1], "example.com")
	require.Contains(t, lines[0], "TCP")
}

func TestTextExportVerboseIncludesTree(t *testing.T) {
	fs, ds, _ := dissectMixed(t)
	var buf bytes.Buffer
	e := New(&buf, FormatText)
	e.SetVerbose(true)
	require.NoError(t, e.Packet(fs[0], ds[0], nil))

	require.Contains(t, buf.String(), "    eth\n")
	require.Contains(t, buf.String(), "    tcp\n")
}

func TestJSONExportIsAValidArray(t *testing.T) {
	fs, ds, data := dissectMixed(t)
	var buf bytes.Buffer
	e := New(&buf, FormatJSON)
	e.SetHexDump(true)
	for i := range fs {
		require.NoError(t, e.Packet(fs[i], ds[i], data[i]))
	}
	require.NoError(t, e.Close())

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 6)
	require.EqualValues(t, 1, got[0]["number"])
	require.Equal(t, "DNS", got[1]["protocol"])
	require.NotEmpty(t, got[0]["data"])
	// Layers only appear with the detail flag.
	require.NotContains(t, got[0], "layers")
}

func TestJSONExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf, FormatJSON)
	require.NoError(t, e.Close())
	require.JSONEq(t, "[]", buf.String())
}

func TestFieldsExport(t *testing.T) {
	fs, ds, _ := dissectMixed(t)
	var buf bytes.Buffer
	e := New(&buf, FormatFields)
	require.NoError(t, e.AddField("frame.number"))
	require.NoError(t, e.AddField("ip.src"))
	require.NoError(t, e.AddField("dns.qry.name"))
	for i := range fs {
		require.NoError(t, e.Packet(fs[i], ds[i], nil))
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 6)
	require.Equal(t, []string{"1", "10.0.0.1", ""}, strings.Split(lines[0], "\t"))
	require.Equal(t, []string{"2", "10.0.0.1", "example.com"}, strings.Split(lines[1], "\t"))
}

func TestAddFieldRejectsUnknownNames(t *testing.T) {
	e := New(&bytes.Buffer{}, FormatFields)
	require.Error(t, e.AddField("bogus.field"))
	require.Error(t, e.AddField(""))
}
