package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/talgya/pressure-sim/internal/agents"
)

var archetypesCmd = &cobra.Command{
	Use:   "archetypes",
	Short: "List the built-in archetype presets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PRESET\tLAYER\tTHRESHOLD\tLEARNING\tLEAP BOOST\tRESET")
		for _, name := range agents.ArchetypeNames() {
			ps, err := agents.ArchetypeParams(name)
			if err != nil {
				return err
			}
			for _, l := range ps.Layers() {
				lp, _ := ps.Layer(l)
				fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%g\t%s\n", name, l, lp.Threshold, lp.LearningRate, lp.LeapBoost, ps.Reset().Mode)
			}
		}
		return tw.Flush()
	},
}
