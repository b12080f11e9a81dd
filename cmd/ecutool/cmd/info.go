package cmd

import (
	"log"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "print ECU identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, cleanup, err := initLink(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		id := coord.Identity()
		log.Printf("serial:    %s", id.Serial)
		log.Printf("firmware:  0x%08X", id.Firmware)
		log.Printf("protocol:  %d", id.Version)
		log.Printf("profile:   %s", coord.Profile().Name)
		log.Printf("profiles:  %v", coord.Profiles())
		return nil
	},
}
