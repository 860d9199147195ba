package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"peersync/internal/config"
)

func initCmd() *cobra.Command {
	var (
		name string
		kind string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the local device identity and config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DeviceID != "" {
				return fmt.Errorf("device already initialized as %s", cfg.DeviceID)
			}
			cfg.DeviceID = uuid.NewString()
			if name != "" {
				cfg.DeviceName = name
			}
			if kind != "" {
				cfg.DeviceKind = kind
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("Device initialized.\nDevice ID: %s\n", cfg.DeviceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable device name")
	cmd.Flags().StringVar(&kind, "kind", "", "device kind: desktop, mobile, or web")
	return cmd
}
