package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peersync/internal/domain"
)

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := ag.GetConflicts()
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No unresolved conflicts")
				return nil
			}
			for _, rec := range recs {
				detected := time.Unix(rec.DetectedAt, 0).Format(time.RFC3339)
				fmt.Printf("%s  item %s (%s)  with %s  detected %s\n",
					rec.ID, rec.ItemID, rec.ItemKind, rec.DeviceID, detected)
			}
			return nil
		},
	}
	cmd.AddCommand(resolveCmd())
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [conflict-id] [keep_local|keep_remote|merged]",
		Short: "Resolve a conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := ag.ResolveConflict(args[0], domain.Resolution(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("Conflict %s resolved: %s\n", rec.ID, rec.Resolution)
			return nil
		},
	}
}
