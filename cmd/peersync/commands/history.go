package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the sync session history",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := ag.GetSyncHistory(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No sync sessions recorded")
				return nil
			}
			for _, e := range entries {
				ended := time.Unix(e.EndedAt, 0).Format(time.RFC3339)
				fmt.Printf("%s  %-9s with %s  pushed %d  pulled %d  %d bytes  %s\n",
					ended, e.Outcome, e.DeviceID, e.ItemsPushed, e.ItemsPulled,
					e.BytesTransferred, e.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}
