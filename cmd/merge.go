package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/capfile/capture"
)

var mergeFormat string

var mergeCmd = &cobra.Command{
	Use:   "merge <dest> <file>...",
	Short: "Merge capture files in timestamp order",
	Long: `Merge interleaves the records of several capture files by timestamp into
one destination file. All inputs must share a link type.`,
	Example: `  capfile merge all.pcap morning.pcap afternoon.pcap
  capfile merge all.pcapng --format pcapng a.pcap b.pcap`,
	Args:    cobra.MinimumNArgs(2),
	GroupID: "output",
	RunE:    runMerge,
}

func init() {
	mergeCmd.Flags().StringVar(&mergeFormat, "format", "pcap", "Destination container: pcap or pcapng")
}

func runMerge(cmd *cobra.Command, args []string) error {
	format, err := parseFormat(mergeFormat)
	if err != nil {
		return err
	}
	dest, inputs := args[0], args[1:]
	if err := capture.Merge(dest, format, inputs, nil); err != nil {
		os.Remove(dest)
		return err
	}
	fmt.Printf("merged %d files into %s\n", len(inputs), dest)
	return nil
}
