package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"peersync/internal/domain"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := ag.Devices()
			if err != nil {
				return err
			}
			printDevices(devices)
			return nil
		},
	}
	cmd.AddCommand(deviceRegisterCmd(), deviceRevokeCmd())
	return cmd
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Run a discovery pass and list the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := ag.DiscoverDevices(cmd.Context())
			if err != nil {
				return err
			}
			printDevices(devices)
			return nil
		},
	}
}

func deviceRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [device.json]",
		Short: "Register a device from a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := ag.RegisterDevice(data); err != nil {
				return err
			}
			fmt.Println("Device registered")
			return nil
		},
	}
}

func deviceRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [device-id]",
		Short: "Permanently distrust a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ag.RevokeDevice(domain.DeviceID(args[0])); err != nil {
				return err
			}
			fmt.Println("Device revoked")
			return nil
		},
	}
}

func printDevices(devices []domain.Device) {
	if len(devices) == 0 {
		fmt.Println("No devices known")
		return
	}
	for _, d := range devices {
		seen := time.Unix(d.LastSeen, 0).Format(time.RFC3339)
		fmt.Printf("%s  %-10s %-10s %s  last seen %s\n",
			d.ID, d.Kind, d.Trust, d.DisplayName, seen)
	}
}
