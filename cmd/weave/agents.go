package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tTARGET\tRPM")
			for _, id := range cfg.AgentIDs() {
				ac := cfg.Agents[id]
				target := ac.Command
				if ac.Endpoint != "" {
					target = ac.Endpoint
				}
				if target == "" {
					target = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", id, ac.Kind, target, ac.RequestsPerMinute)
			}
			return tw.Flush()
		},
	}
}
