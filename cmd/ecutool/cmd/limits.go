package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(limitsCmd)
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "show the writable parameters of the active profile with their bounds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, cleanup, err := initLink(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		specs, err := coord.Limits("")
		if err != nil {
			return err
		}
		log.Printf("%-14s %-6s %10s %10s %10s", "parameter", "unit", "min", "max", "max delta")
		for _, spec := range specs {
			delta := "-"
			if spec.MaxDelta > 0 {
				delta = fmt.Sprintf("%g", spec.MaxDelta)
			}
			log.Printf("%-14s %-6s %10g %10g %10s", spec.Name, spec.Unit, spec.Min, spec.Max, delta)
		}
		return nil
	},
}
