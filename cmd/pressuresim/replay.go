package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/persistence/journal"
)

var replayFlags struct {
	dir   string
	runID string
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Summarize a decision journal",
	Long: `Reads the compressed decision journal and prints how often each agent leapt,
broken down by layer.`,
	Args: cobra.NoArgs,
	RunE: replayJournal,
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayFlags.dir, "dir", "data/journal", "journal directory")
	f.StringVar(&replayFlags.runID, "run", "", "run ID to replay (default: every run in the directory)")
}

func replayJournal(cmd *cobra.Command, args []string) error {
	sum, err := journal.Summarize(replayFlags.dir, replayFlags.runID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if sum.Ticks == 0 {
		fmt.Fprintf(out, "no journal entries in %s\n", replayFlags.dir)
		return nil
	}

	fmt.Fprintf(out, "runs: %v\nticks: %d (%d-%d), records: %d\n\n",
		sum.Runs, sum.Ticks, sum.FirstTick, sum.LastTick, sum.Records)

	layers := leapLayers(sum)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "AGENT")
	for _, l := range layers {
		fmt.Fprintf(tw, "\t%s", l)
	}
	fmt.Fprintln(tw, "\tTOTAL")
	for _, id := range sum.AgentIDs() {
		fmt.Fprintf(tw, "%d", id)
		total := 0
		for _, l := range layers {
			n := sum.Leaps[id][l]
			total += n
			fmt.Fprintf(tw, "\t%d", n)
		}
		fmt.Fprintf(tw, "\t%d\n", total)
	}
	return tw.Flush()
}

// leapLayers lists every layer that appears in the summary, in the
// reference priority order first and any custom layers after.
func leapLayers(sum journal.Summary) []dynamics.Layer {
	seen := make(map[dynamics.Layer]bool)
	for _, m := range sum.Leaps {
		for l := range m {
			seen[l] = true
		}
	}
	var out []dynamics.Layer
	for _, l := range dynamics.DefaultLayerOrder {
		if seen[l] {
			out = append(out, l)
			delete(seen, l)
		}
	}
	var rest []dynamics.Layer
	for l := range seen {
		rest = append(rest, l)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
