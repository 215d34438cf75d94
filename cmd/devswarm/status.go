package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"devswarm/internal/bus"
	"devswarm/internal/config"
	"devswarm/internal/model"
	"devswarm/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Print roadmap and spec counts from the state store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := store.Open(filepath.Join(cfg.DataDir, "devswarm.db"))
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer db.Close()

			st := store.New(db, bus.New(logger))

			items, err := st.ListRoadmapItems()
			if err != nil {
				return err
			}
			specs, err := st.ListSpecs()
			if err != nil {
				return err
			}
			questions, err := st.ListPendingQuestions()
			if err != nil {
				return err
			}

			itemCounts := map[model.RoadmapStatus]int{}
			for _, it := range items {
				itemCounts[it.Status]++
			}
			specCounts := map[model.SpecStatus]int{}
			for _, sp := range specs {
				specCounts[sp.Status]++
			}

			fmt.Printf("Roadmap items: %d (pending %d, in progress %d, done %d)\n",
				len(items),
				itemCounts[model.RoadmapPending],
				itemCounts[model.RoadmapInProgress],
				itemCounts[model.RoadmapDone])
			fmt.Printf("Specs: %d (awaiting review %d, in flight %d, done %d, error %d)\n",
				len(specs),
				specCounts[model.SpecDraft]+specCounts[model.SpecPendingReview],
				specCounts[model.SpecApproved]+specCounts[model.SpecInProgress]+specCounts[model.SpecValidating]+specCounts[model.SpecMerging],
				specCounts[model.SpecDone],
				specCounts[model.SpecError])
			fmt.Printf("Pending questions: %d\n", len(questions))
			return nil
		},
	}
}
