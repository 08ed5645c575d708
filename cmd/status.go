package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/listing-sync/internal/cursor"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/replication"
	"github.com/sells-group/listing-sync/internal/status"
)

var (
	statusFormat string
	statusSince  time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run progress, cursors and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		if statusFormat != "table" && statusFormat != "yaml" {
			return eris.Errorf("status: unknown format %q", statusFormat)
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, err := status.Open(cfg.Status, pool)
		if err != nil {
			return err
		}
		if c, ok := st.(io.Closer); ok {
			defer c.Close() //nolint:errcheck
		}

		view, err := collectStatus(ctx, status.NewTracker(st, 0), cursor.NewPostgresStore(pool),
			replication.NewSyncLog(pool), time.Now().Add(-statusSince))
		if err != nil {
			return err
		}

		if statusFormat == "yaml" {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close() //nolint:errcheck
			return eris.Wrap(enc.Encode(view), "status: encode yaml")
		}
		formatStatus(os.Stdout, view)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "table", "output format: table or yaml")
	statusCmd.Flags().DurationVar(&statusSince, "since", 24*time.Hour, "sync log lookback")
	rootCmd.AddCommand(statusCmd)
}

// statusView is the combined operational state shown by `status` and
// GET /status.
type statusView struct {
	Progress []status.Progress       `json:"progress" yaml:"progress"`
	Cursors  []model.Cursor          `json:"cursors" yaml:"cursors"`
	Runs     []replication.SyncEntry `json:"recent_runs" yaml:"recent_runs"`
}

func collectStatus(ctx context.Context, progress monitoring.ProgressLister, cursors monitoring.CursorLister, runs monitoring.SyncLogQuerier, since time.Time) (*statusView, error) {
	view := &statusView{}
	var err error
	if view.Progress, err = progress.List(ctx); err != nil {
		return nil, eris.Wrap(err, "status: list progress")
	}
	if view.Cursors, err = cursors.List(ctx); err != nil {
		return nil, eris.Wrap(err, "status: list cursors")
	}
	if view.Runs, err = runs.Recent(ctx, since, 50); err != nil {
		return nil, eris.Wrap(err, "status: recent runs")
	}
	return view, nil
}

// formatStatus writes the three status tables to out.
func formatStatus(out io.Writer, v *statusView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "CHANNEL\tSTATUS\tPAGES\tFETCHED\tCREATED\tUPDATED\tFAILED\tUPDATED AT\tERROR")
	for _, p := range v.Progress {
		c := p.Counters
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			p.Channel, p.Status, c.Pages, c.Fetched, c.Created, c.Updated, c.Failed,
			p.UpdatedAt.Format("2006-01-02 15:04"), truncate(p.LastError, 60))
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "CURSOR\tLAST TIMESTAMP\tLAST KEY")
	for _, c := range v.Cursors {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Channel, c.Timestamp.UTC().Format(time.RFC3339), c.Key)
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintln(w, "ID\tCHANNEL\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	for _, e := range v.Runs {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.Channel, e.Status, e.StartedAt.Format("2006-01-02 15:04"), dur, e.RowsSynced, truncate(e.Error, 60))
	}
	_ = w.Flush()
}
