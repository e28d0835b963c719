package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/frame"
	"github.com/Zerofisher/capfile/session"
	"github.com/Zerofisher/capfile/store"
)

var readCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Read a capture file and print the packet list",
	Long: `Read indexes every record of a capture file and prints the frames of the
filtered view, one summary line each.`,
	Example: `  capfile read capture.pcap
  capfile read capture.pcap -Y "tcp.port == 443"
  capfile read capture.pcap -R "udp" -Y "dns"
  capfile read capture.pcap --sidecar`,
	Args:    cobra.ExactArgs(1),
	GroupID: "input",
	RunE:    runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readDisplayFilter, "filter", "Y", "",
		"Display filter expression (Wireshark-like)")
}

// listPrinter prints one summary line per displayed frame.
type listPrinter struct {
	tw *tabwriter.Writer
}

func newListPrinter() *listPrinter {
	return &listPrinter{tw: tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)}
}

func (p *listPrinter) RowAppended(f *frame.Frame, cols dissect.Columns) {
	mark := " "
	if f.Marked {
		mark = "*"
	}
	fmt.Fprintf(p.tw, "%s%d\t%s\t%s\t%s\t%s\t%s\n",
		mark, f.Num, f.Timestamp().Format(time.RFC3339Nano),
		cols.Source, cols.Destination, cols.Protocol, cols.Info)
}

func (p *listPrinter) RowsCleared() {}

func (p *listPrinter) Flush() { p.tw.Flush() }

// openSession builds a session from the shared read flags, attaches the
// optional row sink and loads path into it.
func openSession(path, displayFilter string, rows session.RowSink) (*session.CaptureFile, error) {
	opts := session.Options{MaxRecords: readMaxRecords}
	if readReadFilter != "" {
		rf, err := filter.Compile(readReadFilter)
		if err != nil {
			return nil, err
		}
		opts.ReadFilter = rf
	}
	cf := session.New(opts)
	if rows != nil {
		cf.SetRowSink(rows)
	}
	if displayFilter != "" {
		if err := cf.SetDisplayFilter(displayFilter, false); err != nil {
			return nil, err
		}
	}

	if readUseSidecar {
		cache, err := store.Open(store.SidecarPath(path))
		if err != nil {
			return nil, err
		}
		defer cache.Close()
		if _, err := cf.OpenCached(path, cache); err != nil {
			cf.Close()
			return nil, err
		}
		return cf, nil
	}

	if err := cf.Open(path, false); err != nil {
		return nil, err
	}
	if status, err := cf.Read(false); status != session.ReadOK && err != nil {
		cf.Close()
		return nil, err
	}
	return cf, nil
}

func runRead(cmd *cobra.Command, args []string) error {
	printer := newListPrinter()
	cf, err := openSession(args[0], readDisplayFilter, printer)
	if err != nil {
		return err
	}
	defer cf.Close()

	printer.Flush()
	fmt.Printf("\n%d frames, %d displayed", cf.Count(), cf.DisplayedCount())
	if cf.CommentCount() > 0 {
		fmt.Printf(", %d comments", cf.CommentCount())
	}
	fmt.Println()
	return nil
}
