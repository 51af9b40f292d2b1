// Command vmcore is a diagnostics tool for the internal/vmcore
// coordination core: it drives a synthetic workload against an
// in-memory VMHooks fake so the rendezvous and incinerator protocols
// can be exercised and inspected without a real hosted runtime.
package main

import (
	"fmt"
	"os"

	"github.com/oriys/nova/internal/config"
	"github.com/spf13/cobra"
)

var (
	rendezvousKindFlag string
	configPathFlag     string
	cfg                *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vmcore",
		Short: "vmcore diagnostics",
		Long:  "Drive and inspect the in-process VM coordination core (rendezvous + incinerator) via an in-memory fake VM",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded := config.DefaultConfig()
			if configPathFlag != "" {
				fromFile, err := config.LoadFromFile(configPathFlag)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				loaded = fromFile
			}
			config.LoadFromEnv(loaded)
			if cmd.Flags().Changed("rendezvous") {
				loaded.VMCore.RendezvousKind = rendezvousKindFlag
			}
			cfg = loaded
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&rendezvousKindFlag, "rendezvous", "cooperative", "rendezvous kind: cooperative or uncooperative")
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "path to a JSON config file (defaults applied otherwise)")
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(inspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
