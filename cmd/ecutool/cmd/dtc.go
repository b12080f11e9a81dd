package cmd

import (
	"log"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(dtcCmd)
}

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "show stored trouble codes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, cleanup, err := initLink(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		snap, err := coord.ReadNow(ctx)
		if err != nil {
			return err
		}
		if len(snap.DTCs) == 0 {
			log.Println(color.GreenString("no stored trouble codes"))
			return nil
		}
		for _, dtc := range snap.DTCs {
			log.Printf("%s (0x%04X)", color.RedString(dtc.Code), dtc.Raw)
		}
		return nil
	},
}
