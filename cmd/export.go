package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/capfile/export"
)

var (
	exportFormat  string
	exportFields  []string
	exportFilter  string
	exportVerbose bool
	exportHex     bool
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export dissected packets as text, JSON or field values",
	Long: `Export writes every frame of the filtered view to stdout, rendered as
one-line text summaries, a JSON array, or tab-separated field values.`,
	Example: `  capfile export capture.pcap -T json
  capfile export capture.pcap -T json -V -x
  capfile export capture.pcap -T fields -e frame.number -e ip.src -e ip.dst
  capfile export capture.pcap -Y "dns" -T fields -e dns.qry.name`,
	Args:    cobra.ExactArgs(1),
	GroupID: "output",
	RunE:    runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "T", "text",
		"Output format: text, json or fields")
	exportCmd.Flags().StringArrayVarP(&exportFields, "field", "e", nil,
		"Field to extract with -T fields (repeatable)")
	exportCmd.Flags().StringVarP(&exportFilter, "filter", "Y", "",
		"Display filter expression (Wireshark-like)")
	exportCmd.Flags().BoolVarP(&exportVerbose, "detail", "V", false,
		"Include the protocol layer tree")
	exportCmd.Flags().BoolVarP(&exportHex, "hex", "x", false,
		"Include the raw packet bytes")
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}
	if format == export.FormatFields && len(exportFields) == 0 {
		return fmt.Errorf("-T fields needs at least one -e field")
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	exp := export.New(out, format)
	exp.SetVerbose(exportVerbose)
	exp.SetHexDump(exportHex)
	for _, name := range exportFields {
		if err := exp.AddField(name); err != nil {
			return err
		}
	}

	cf, err := openSession(args[0], exportFilter, nil)
	if err != nil {
		return err
	}
	defer cf.Close()

	for num := uint32(1); num <= cf.Count(); num++ {
		f := cf.Frame(num)
		if !f.ShownInView() {
			continue
		}
		if err := cf.SelectFrame(num); err != nil {
			return err
		}
		_, d := cf.CurrentFrame()
		var data []byte
		if exportHex {
			if data, err = cf.PacketData(num); err != nil {
				return err
			}
		}
		if err := exp.Packet(f, d, data); err != nil {
			return err
		}
	}
	return exp.Close()
}
