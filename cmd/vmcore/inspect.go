package main

import (
	"encoding/json"

	"github.com/oriys/nova/internal/vmcore"
	"github.com/spf13/cobra"
)

func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a freshly constructed core's stats as JSON",
		Long:  "Builds an empty Core with no registered VMs or mutators and prints Core.Stats(). Useful for confirming the rendezvous kind a --rendezvous flag resolves to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := vmcore.RendezvousCooperative
			if cfg.VMCore.RendezvousKind == string(vmcore.RendezvousUncooperative) {
				kind = vmcore.RendezvousUncooperative
			}
			core := vmcore.NewCore(vmcore.Options{RendezvousKind: kind, ReaperInterval: cfg.VMCore.ReaperInterval})
			defer core.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(core.Stats())
		},
	}
	return cmd
}
