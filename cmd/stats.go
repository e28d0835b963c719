package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/session"
	"github.com/Zerofisher/capfile/tap"
)

var statsTapFilter string

var statsCmd = &cobra.Command{
	Use:   "stats <file>",
	Short: "Protocol and endpoint statistics",
	Long: `Stats registers a statistics tap listener and replays every indexed frame
through it, printing per-protocol frame counts and per-endpoint traffic
totals.`,
	Example: `  capfile stats capture.pcap
  capfile stats capture.pcap --tap-filter "tcp"`,
	Args:    cobra.ExactArgs(1),
	GroupID: "analysis",
	RunE:    runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsTapFilter, "tap-filter", "",
		"Only count frames matching this filter")
}

func runStats(cmd *cobra.Command, args []string) error {
	var pred *filter.Predicate
	if statsTapFilter != "" {
		p, err := filter.Compile(statsTapFilter)
		if err != nil {
			return err
		}
		pred = p
	}

	cf, err := openSession(args[0], "", nil)
	if err != nil {
		return err
	}
	defer cf.Close()

	// Register after the load and replay, so a tap filter does not slow the
	// initial indexing down with tree building.
	stats := tap.NewStats(pred)
	cf.Taps().Register(stats)
	if status, err := cf.Retap(); status != session.ReadOK && err != nil {
		return err
	}
	return stats.WriteReport(os.Stdout)
}
