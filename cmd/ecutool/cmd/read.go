package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(readCmd)
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "read the current tune parameter values from the ECU",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, cleanup, err := initLink(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		values, err := coord.ReadConfig(ctx, "")
		if err != nil {
			return err
		}
		specs, err := coord.Limits("")
		if err != nil {
			return err
		}
		for _, spec := range specs {
			log.Printf("%-14s %10.3f %s", spec.Name, values[spec.Name], spec.Unit)
		}
		return nil
	},
}
