package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/capfile/session"
)

var (
	findBackward bool
	findSummary  bool
)

var findCmd = &cobra.Command{
	Use:   "find <file> <expr>",
	Short: "Find the first frame matching a filter or summary text",
	Long: `Find walks the filtered view looking for a frame that satisfies a display
filter expression (the default) or whose summary line contains the given
text (--summary), and prints its dissection.`,
	Example: `  capfile find capture.pcap "dns && dns.flags.response"
  capfile find capture.pcap --summary "example.com"`,
	Args:    cobra.ExactArgs(2),
	GroupID: "analysis",
	RunE:    runFind,
}

func init() {
	findCmd.Flags().BoolVar(&findBackward, "backward", false, "Search from the last frame backwards")
	findCmd.Flags().BoolVar(&findSummary, "summary", false, "Match summary-line text instead of a filter")
}

func runFind(cmd *cobra.Command, args []string) error {
	cf, err := openSession(args[0], "", nil)
	if err != nil {
		return err
	}
	defer cf.Close()

	var match session.MatchFunc
	if findSummary {
		match = session.MatchSummary(args[1], false)
	} else {
		pred, err := session.CompileFindFilter(args[1])
		if err != nil {
			return err
		}
		match = session.MatchFilter(pred)
	}

	dir := session.Forward
	if findBackward {
		dir = session.Backward
	}
	cf.Unselect() // search the whole view, not from the auto-selected frame
	num, err := cf.FindPacket(match, dir, false)
	if err != nil {
		return err
	}

	_, d := cf.CurrentFrame()
	f := cf.Frame(num)
	fmt.Printf("frame %d  %s  %s -> %s  %s  %s\n",
		num, f.Timestamp().Format("15:04:05.000000"),
		d.Cols.Source, d.Cols.Destination, d.Cols.Protocol, d.Cols.Info)
	for _, layer := range d.Layers {
		fmt.Printf("  %s\n", layer.Name)
		for _, det := range layer.Details {
			fmt.Printf("    %s\n", det)
		}
	}
	return nil
}
