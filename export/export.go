// Package export renders dissected frames to an output stream: one-line
// text summaries, a JSON array, or tab-separated field values picked with
// tshark -e style field references.
package export

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/frame"
)

// Format selects the output rendering.
type Format string

const (
	FormatText   Format = "text"
	FormatJSON   Format = "json"
	FormatFields Format = "fields"
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatFields:
		return FormatFields, nil
	}
	return "", fmt.Errorf("unknown export format %q (text, json, fields)", s)
}

// Exporter writes dissected frames one at a time. JSON output is a single
// array, so the caller must Close the exporter to terminate it.
type Exporter struct {
	w       io.Writer
	format  Format
	fields  []*filter.Field
	verbose bool
	hexDump bool
	wrote   int
}

// New creates an exporter writing to w.
func New(w io.Writer, format Format) *Exporter {
	return &Exporter{w: w, format: format}
}

// SetVerbose includes the protocol layer tree in text and JSON output.
func (e *Exporter) SetVerbose(v bool) { e.verbose = v }

// SetHexDump includes the raw packet bytes in text and JSON output.
func (e *Exporter) SetHexDump(v bool) { e.hexDump = v }

// AddField appends a field reference for the fields format. Fields are
// emitted tab-separated in the order they were added.
func (e *Exporter) AddField(name string) error {
	f, err := filter.CompileField(name)
	if err != nil {
		return err
	}
	e.fields = append(e.fields, f)
	return nil
}

// Count returns the number of frames written so far.
func (e *Exporter) Count() int { return e.wrote }

// Packet writes one dissected frame. data may be nil when hex output was
// not requested.
func (e *Exporter) Packet(f *frame.Frame, d *dissect.Dissection, data []byte) error {
	var err error
	switch e.format {
	case FormatJSON:
		err = e.writeJSON(f, d, data)
	case FormatFields:
		err = e.writeFields(d)
	default:
		err = e.writeText(f, d, data)
	}
	if err != nil {
		return err
	}
	e.wrote++
	return nil
}

// Close terminates the output; required for JSON.
func (e *Exporter) Close() error {
	if e.format != FormatJSON {
		return nil
	}
	if e.wrote == 0 {
		_, err := io.WriteString(e.w, "[]\n")
		return err
	}
	_, err := io.WriteString(e.w, "\n]\n")
	return err
}

func (e *Exporter) writeText(f *frame.Frame, d *dissect.Dissection, data []byte) error {
	_, err := fmt.Fprintf(e.w, "%6d %s %-15s %-15s %-8s %s\n",
		f.Num, f.Timestamp().UTC().Format("15:04:05.000000"),
		d.Cols.Source, d.Cols.Destination, d.Cols.Protocol, d.Cols.Info)
	if err != nil {
		return err
	}
	if e.verbose {
		for _, layer := range d.Layers {
			if _, err := fmt.Fprintf(e.w, "    %s\n", layer.Name); err != nil {
				return err
			}
			for _, det := range layer.Details {
				if _, err := fmt.Fprintf(e.w, "        %s\n", det); err != nil {
					return err
				}
			}
		}
	}
	if e.hexDump && data != nil {
		if _, err := io.WriteString(e.w, hex.Dump(data)); err != nil {
			return err
		}
	}
	return nil
}

// jsonPacket is the JSON shape of one exported frame.
type jsonPacket struct {
	Number      uint32          `json:"number"`
	Time        string          `json:"time"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Protocol    string          `json:"protocol"`
	Length      int             `json:"length"`
	Info        string          `json:"info"`
	Layers      []dissect.Layer `json:"layers,omitempty"`
	Data        string          `json:"data,omitempty"`
}

func (e *Exporter) writeJSON(f *frame.Frame, d *dissect.Dissection, data []byte) error {
	p := jsonPacket{
		Number:      f.Num,
		Time:        f.Timestamp().UTC().Format("2006-01-02T15:04:05.000000Z"),
		Source:      d.Cols.Source,
		Destination: d.Cols.Destination,
		Protocol:    d.Cols.Protocol,
		Length:      f.Len,
		Info:        d.Cols.Info,
	}
	if e.verbose {
		p.Layers = d.Layers
	}
	if e.hexDump && data != nil {
		p.Data = hex.EncodeToString(data)
	}
	out, err := json.MarshalIndent(p, "  ", "  ")
	if err != nil {
		return err
	}
	lead := "[\n  "
	if e.wrote > 0 {
		lead = ",\n  "
	}
	if _, err := io.WriteString(e.w, lead); err != nil {
		return err
	}
	_, err = e.w.Write(out)
	return err
}

func (e *Exporter) writeFields(d *dissect.Dissection) error {
	cols := make([]string, len(e.fields))
	for i, f := range e.fields {
		cols[i] = formatValue(f.Value(d))
	}
	_, err := fmt.Fprintln(e.w, strings.Join(cols, "\t"))
	return err
}

// formatValue renders one extracted field value; missing values become
// empty columns, like tshark -e.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		return fmt.Sprintf("%.6f", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
