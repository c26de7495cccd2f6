package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/magpie/internal/history"
	"github.com/corvid-labs/magpie/internal/output"
	"github.com/corvid-labs/magpie/internal/task"
	"github.com/corvid-labs/magpie/internal/utils"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	var pruneAge time.Duration

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or prune the download history",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			store, err := history.Open(resolveHistoryDB())
			if err != nil {
				output.PrintError(err.Error())
				return
			}
			defer store.Close()
			ctx := context.Background()

			if pruneAge > 0 {
				removed, err := store.Prune(ctx, time.Now().Add(-pruneAge))
				if err != nil {
					output.PrintError(err.Error())
					return
				}
				output.PrintSuccess(fmt.Sprintf("Pruned %d history entries", removed))
				return
			}

			entries, err := store.List(ctx, limit)
			if err != nil {
				output.PrintError(err.Error())
				return
			}
			if len(entries) == 0 {
				output.PrintInfo("No downloads recorded yet")
				return
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-9s  %-10s  %s",
					e.FinishedAt.Local().Format("2006-01-02 15:04"),
					e.Status,
					utils.FormatBytes(uint64(max(e.Downloaded, 0))),
					e.OutputPath)
				switch e.Status {
				case task.StatusCompleted.String():
					output.PrintSuccess(line)
				case task.StatusFailed.String():
					output.PrintError(line + "  " + e.LastError)
				default:
					output.PrintDebug(line)
				}
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show (0 for all)")
	cmd.Flags().DurationVar(&pruneAge, "prune-older-than", 0, "Delete entries older than this (eg. 720h)")
	return cmd
}
