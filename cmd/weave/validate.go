package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>...",
		Short: "Check workflow definitions against the configured agents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				def, err := a.validator.Schema().ParseDefinition(data)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}
				res := a.validator.ValidateDefinition(def)
				for _, issue := range res.Errors {
					fmt.Fprintf(out, "%s: error %s: %s (%s)\n", path, issue.Path, issue.Message, issue.Code)
				}
				for _, issue := range res.Warnings {
					fmt.Fprintf(out, "%s: warning %s: %s (%s)\n", path, issue.Path, issue.Message, issue.Code)
				}
				if !res.Valid() {
					failed++
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s, %d steps)\n", path, def.ID, len(def.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}
