package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zph/phil/pkg/simulation"
)

var scenarioTemplate string

var scenarioCmd = &cobra.Command{
	Use:   "scenario <file>",
	Short: "Write a simulation scenario for --dry-run --scenario",
	Long: `Write a simulation scenario file. Templates: port-conflict, unreachable-node,
slow-election, legacy-server. Anything else writes an empty scenario.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := simulation.SaveScenarioToFile(simulation.GenerateScenarioTemplate(scenarioTemplate), args[0]); err != nil {
			return err
		}
		fmt.Printf("  ✓ Wrote %s scenario to %s\n", scenarioTemplate, args[0])
		return nil
	},
}

func init() {
	scenarioCmd.Flags().StringVarP(&scenarioTemplate, "template", "t", "default", "Scenario template")
	rootCmd.AddCommand(scenarioCmd)
}
