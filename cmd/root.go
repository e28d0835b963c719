// Package cmd provides the CLI commands for capfile using Cobra.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Flags shared by every command that loads a capture file.
var (
	verbose           bool
	readDisplayFilter string
	readReadFilter    string
	readMaxRecords    uint32
	readUseSidecar    bool
)

var rootCmd = &cobra.Command{
	Use:   "capfile",
	Short: "Capture-file session engine and analyzer",
	Long: `Capfile opens packet capture files, indexes every record and derives a
filtered view over them with Wireshark-style display filters.

Examples:
  capfile read capture.pcap                      # Print the packet list
  capfile read capture.pcap -Y "tcp.port == 443" # Filtered view
  capfile find capture.pcap "dns"                # First frame matching a filter
  capfile stats capture.pcap                     # Protocol and endpoint totals
  capfile save capture.pcap out.pcapng           # Convert between containers
  capfile merge out.pcap a.pcap b.pcap           # Timestamp-ordered merge
  capfile export capture.pcap -T json            # Dissections as JSON`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&readReadFilter, "read-filter", "R", "",
		"Read filter: records that do not match are never indexed")
	rootCmd.PersistentFlags().Uint32VarP(&readMaxRecords, "count", "c", 0,
		"Stop indexing after n records (0 = engine default)")
	rootCmd.PersistentFlags().BoolVar(&readUseSidecar, "sidecar", false,
		"Use (and refresh) the .idx.db sidecar index next to the file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "input", Title: "Input Commands:"},
		&cobra.Group{ID: "analysis", Title: "Analysis Commands:"},
		&cobra.Group{ID: "output", Title: "Output Commands:"},
	)

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(exportCmd)
}
