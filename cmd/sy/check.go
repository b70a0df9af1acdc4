package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var staticPath string

	cmd := &cobra.Command{
		Use:   "check <scenarios.yaml>",
		Short: "Validate a scenario definition",
		Long:  "Builds every scenario, screen, isolated condition and behavior in the file and reports the first error.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args[0], staticPath)
		},
	}

	cmd.Flags().StringVar(&staticPath, "static", "", "static storage file referenced by static actions")
	return cmd
}

func runCheck(cmd *cobra.Command, path, staticPath string) error {
	def, err := loadDefinition(path, staticPath, nil)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: OK\n", path)
	fmt.Fprintf(out, "  scenarios: %d\n", len(def.Scenarios))
	fmt.Fprintf(out, "  screens:   %d\n", len(def.Screens))
	fmt.Fprintf(out, "  isolated:  %d\n", len(def.Isolated))
	fmt.Fprintf(out, "  behaviors: %d\n", len(def.Behaviors))
	return nil
}
