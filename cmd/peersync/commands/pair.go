package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"peersync/internal/domain"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Perform the key exchange with a peer",
	}
	cmd.AddCommand(pairOfferCmd(), pairInitiateCmd(), pairCompleteCmd())
	return cmd
}

func pairOfferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offer",
		Short: "Print a one-shot handshake message",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := ag.GenerateHandshake()
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
}

func pairInitiateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initiate [device-id]",
		Short: "Start a key exchange and print the message to deliver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := ag.InitiateKeyExchange(domain.DeviceID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
}

func pairCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete [device-id] [message.json]",
		Short: "Complete the exchange with the peer's handshake message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if err := ag.CompleteKeyExchange(domain.DeviceID(args[0]), data); err != nil {
				return err
			}
			fmt.Println("Session key established")
			return nil
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
