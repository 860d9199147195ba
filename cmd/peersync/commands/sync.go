package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"peersync/internal/domain"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Start, cancel, or inspect a sync session",
	}
	cmd.AddCommand(syncStartCmd(), syncCancelCmd(), syncStatusCmd())
	return cmd
}

func syncStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [device-id]",
		Short: "Begin pushing local items to a paired peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ag.StartSync(cmd.Context(), domain.DeviceID(args[0])); err != nil {
				return err
			}
			fmt.Println("Sync started")
			return nil
		},
	}
}

func syncCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [device-id]",
		Short: "Cancel the session with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ag.CancelSync(domain.DeviceID(args[0])); err != nil {
				return err
			}
			fmt.Println("Sync cancelled")
			return nil
		},
	}
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [device-id]",
		Short: "Show the progress snapshot for a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ag.GetSyncProgress(domain.DeviceID(args[0]))
			fmt.Printf("phase:   %s\n", p.Phase)
			fmt.Printf("done:    %.0f%% (%d/%d bytes)\n", p.Progress*100, p.BytesDone, p.BytesTotal)
			fmt.Printf("pushed:  %d\npulled:  %d\n", p.ItemsPushed, p.ItemsPulled)
			if p.Conflicts > 0 {
				fmt.Printf("conflicts: %d\n", p.Conflicts)
			}
			return nil
		},
	}
}
