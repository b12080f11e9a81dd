package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/garagemate/ecubus"
)

func init() {
	log.SetFlags(0)
	rootCmd.AddCommand(adaptersCmd)
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list available link adapters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, info := range ecubus.ListAdapters() {
			log.Println(info.String())
		}
	},
}

func adapterRequiresPort(name string) bool {
	for _, info := range ecubus.ListAdapters() {
		if info.Name == name {
			return info.RequiresSerialPort
		}
	}
	return false
}
