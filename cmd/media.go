package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-sync/internal/replication/job"
)

var mediaBackfillLimit int

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Listing media operations",
}

var mediaBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Sync media for listings that have none",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := initApp(ctx, "media")
		if err != nil {
			return err
		}
		defer app.Close()

		if app.Queue == nil {
			return eris.New("media: media.enabled is false")
		}

		stopMedia := app.StartMedia(ctx)
		defer stopMedia()

		j := job.NewMediaBackfill(cfg.Media.BackfillSize, cfg.Replication)
		if mediaBackfillLimit > 0 {
			j = j.WithLimit(mediaBackfillLimit)
		}

		rep, err := app.Engine.Run(ctx, j)
		if rep != nil {
			formatReports(os.Stdout, []*job.Report{rep})
		}
		return err
	},
}

func init() {
	mediaBackfillCmd.Flags().IntVar(&mediaBackfillLimit, "limit", 0, "listings to process (default media.backfill_size)")
	mediaCmd.AddCommand(mediaBackfillCmd)
	rootCmd.AddCommand(mediaCmd)
}
