package main

import (
	"fmt"

	"github.com/spf13/cobra"

	predictlib "github.com/predictlib/corelib"
	"github.com/predictlib/corelib/internal/config"
)

var (
	seedComponents int
	seedCount      int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write synthetic interaction history into the store",
	Long: `seed registers N synthetic components (comp-1..comp-N with actions
go-comp-1..go-comp-N) and records interactions cycling through them in
a fixed repeating pattern, so a following serve or inspect run has a
learnable sequence to work with.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedComponents < 1 {
			return fmt.Errorf("--components must be at least 1, got %d", seedComponents)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		lib, err := predictlib.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer lib.Close()

		comps := lib.Components()
		actions := make([]string, 0, seedComponents)
		for i := 1; i <= seedComponents; i++ {
			id := fmt.Sprintf("comp-%d", i)
			action := fmt.Sprintf("go-%s", id)
			if err := comps.TrackComponent(id, "page", nil); err != nil {
				return err
			}
			if err := comps.AssociateActionWithComponent(action, id); err != nil {
				return err
			}
			actions = append(actions, action)
		}

		tracker := lib.Tracker()
		for i := 0; i < seedCount; i++ {
			tracker.TrackInteraction(ctx, actions[i%len(actions)])
		}

		fmt.Printf("seeded %d interactions across %d components into %s\n",
			seedCount, seedComponents, cfg.Storage.Path)
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedComponents, "components", 3, "number of synthetic components")
	seedCmd.Flags().IntVar(&seedCount, "count", 60, "number of interactions to record")
}
