package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/nova/internal/codeloader"
	"github.com/oriys/nova/internal/vmcore"
	"github.com/spf13/cobra"
)

// bundleID derives a BundleID from code content the way a real bundle
// loader would: the same source always names the same bundle, so a
// hot-reload of byte-identical code replaces that bundle's loader
// rather than creating a second bundle. SetBundleClassLoader is a
// no-op only when it is handed the same *Loader again.
func bundleID(name string, code []byte) vmcore.BundleID {
	return vmcore.BundleID(name + "@" + codeloader.ContentHash(code)[:12])
}

type simulateResult struct {
	Stats      vmcore.Stats `json:"stats"`
	Outcome    string       `json:"outcome"`
	Eliminated int          `json:"eliminated_refs"`
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic bundle-reload + collection cycle against an in-memory fake VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := vmcore.RendezvousCooperative
			if cfg.VMCore.RendezvousKind == string(vmcore.RendezvousUncooperative) {
				kind = vmcore.RendezvousUncooperative
			}
			core := vmcore.NewCore(vmcore.Options{RendezvousKind: kind, ReaperInterval: cfg.VMCore.ReaperInterval})
			defer core.Close()

			fake := newFakeVM()
			vm := core.AddVM(fake)

			bundle := bundleID("bundle-a", []byte("handler-v1-source"))
			loaderA := vmcore.NewLoader(string(bundle)+"@v1", vm.ID())
			vm.Incinerator().SetBundleClassLoader(bundle, loaderA)

			root := &fakeObject{name: "root", loader: loaderA}
			handler := &fakeObject{name: "handler-v1", loader: loaderA}

			fake.mu.Lock()
			fake.roots["root"] = root
			fake.mu.Unlock()
			fake.newSlot(root, handler)

			self := core.AttachMutator()
			defer core.DetachMutator(self)

			// Collection 1: nothing stale yet, handler-v1 survives.
			ctx := context.Background()
			outcome, err := core.Collect(ctx, self)
			if err != nil {
				return fmt.Errorf("collect 1: %w", err)
			}

			// Hot-reload: bundle-a is replaced. handler-v1's loader goes
			// stale, but root still holds a dangling reference to it
			// (the bug class the incinerator exists to clean up).
			loaderB := vmcore.NewLoader(string(bundle)+"@v2", vm.ID())
			vm.Incinerator().SetBundleClassLoader(bundle, loaderB)

			time.Sleep(time.Millisecond) // let any background bookkeeping settle

			outcome, err = core.Collect(ctx, self)
			if err != nil {
				return fmt.Errorf("collect 2: %w", err)
			}

			result := simulateResult{
				Stats:      core.Stats(),
				Outcome:    outcome.String(),
				Eliminated: len(fake.eliminated),
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	return cmd
}
