package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"peersync/internal/agent"
	"peersync/internal/config"
	"peersync/internal/logging"
	"peersync/internal/transport"
)

var (
	home    string
	cfgPath string
	cfg     config.Config
	ag      *agent.Agent
)

func Execute() error {
	root := &cobra.Command{
		Use:   "peersync",
		Short: "Encrypted device-to-device synchronization agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".peersync")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			cfgPath = filepath.Join(home, "config.toml")

			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.DBPath == "" || cfg.DBPath == config.Default().DBPath {
				cfg.DBPath = filepath.Join(home, "peersync.db")
			}

			// init runs before an identity exists; every other command
			// needs the wired agent.
			if cmd.Name() == "init" {
				return nil
			}
			log := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
			bus := transport.NewMemoryBus()
			ag, err = agent.New(cfg, agent.Options{
				Channel: bus.Channel(),
				Logger:  log,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if ag != nil {
				return ag.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.peersync)")

	root.AddCommand(initCmd(), devicesCmd(), discoverCmd(), pairCmd(),
		syncCmd(), conflictsCmd(), historyCmd())
	return root.Execute()
}
