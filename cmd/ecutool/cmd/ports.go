package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/garagemate/ecubus"
)

func init() {
	rootCmd.AddCommand(portsCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports on this machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := ecubus.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			return errors.New("no serial ports found")
		}
		log.Println("discovered com ports:")
		for _, port := range ports {
			log.Printf("port: %s\n", port.Name)
			if port.IsUSB {
				log.Printf("   USB ID      %s:%s\n", port.VID, port.PID)
				log.Printf("   USB serial  %s\n", port.SerialNumber)
			}
		}
		return nil
	},
}

// selectPort lets the user pick a port interactively when none was
// given on the command line.
func selectPort() (string, error) {
	ports, err := ecubus.ListPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}
	items := make([]string, len(ports))
	for i, port := range ports {
		items[i] = port.Name
		if port.IsUSB {
			items[i] = fmt.Sprintf("%s (USB %s:%s)", port.Name, port.VID, port.PID)
		}
	}
	prompt := promptui.Select{
		Label:    "Select port",
		Items:    items,
		HideHelp: true,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed %v", err)
	}
	return ports[idx].Name, nil
}
