package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/predictlib/corelib/internal/config"
	"github.com/predictlib/corelib/internal/crypto"
	"github.com/predictlib/corelib/internal/store"
	"github.com/predictlib/corelib/pkg/logger"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Decrypt and summarize the interaction log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logger.NewLogger(logger.Config{Level: "error", Format: "text", Output: "stderr"})

		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.Storage.Path, log, nil)
		if err != nil {
			return err
		}
		defer st.Close()

		cr, err := crypto.New(cfg.EncryptionKey, st, log)
		if err != nil {
			return err
		}
		st.SetCrypto(cr)

		records, err := st.List(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("interaction log is empty")
			return nil
		}

		type pair struct {
			action string
			count  int
		}
		counts := map[string]int{}
		components := map[string]struct{}{}
		for _, rec := range records {
			counts[rec.ActionType]++
			components[rec.ComponentID] = struct{}{}
		}
		pairs := make([]pair, 0, len(counts))
		for action, count := range counts {
			pairs = append(pairs, pair{action, count})
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].count != pairs[j].count {
				return pairs[i].count > pairs[j].count
			}
			return pairs[i].action < pairs[j].action
		})

		first := time.UnixMilli(records[0].Timestamp)
		last := time.UnixMilli(records[len(records)-1].Timestamp)
		fmt.Printf("%d interactions, %d components, %s .. %s\n\n",
			len(records), len(components),
			first.Format(time.RFC3339), last.Format(time.RFC3339))
		for _, p := range pairs {
			fmt.Printf("%6d  %s\n", p.count, p.action)
		}
		return nil
	},
}
