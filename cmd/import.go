package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/fetcher"
	"github.com/sells-group/listing-sync/internal/replication/job"
)

var (
	importMLS      []string
	importFile     string
	importProvider string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import listings by MLS number",
	Long:  "Fetches an explicit list of MLS numbers from the feed providers and merges them without power-of-sale filtering. Numbers come from --mls and/or --file (a JSON array or one number per line).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ids := append([]string(nil), importMLS...)
		if importFile != "" {
			fromFile, err := readIDFile(ctx, importFile)
			if err != nil {
				return err
			}
			ids = append(ids, fromFile...)
		}

		app, err := initApp(ctx, "import")
		if err != nil {
			return err
		}
		defer app.Close()

		j, err := job.NewByIDImport(ids, cfg.Replication)
		if err != nil {
			return err
		}
		if j.Truncated > 0 {
			zap.L().Warn("import list truncated", zap.Int("dropped", j.Truncated), zap.Int("kept", len(j.IDs())))
		}
		if importProvider != "" {
			j.Only(importProvider)
		}

		stopMedia := app.StartMedia(ctx)
		defer stopMedia()

		rep, err := app.Engine.Run(ctx, j)
		if rep != nil {
			formatReports(os.Stdout, []*job.Report{rep})
		}
		return err
	},
}

func init() {
	importCmd.Flags().StringSliceVar(&importMLS, "mls", nil, "MLS numbers to import (comma separated or repeated)")
	importCmd.Flags().StringVar(&importFile, "file", "", "file of MLS numbers (.json array or one per line)")
	importCmd.Flags().StringVar(&importProvider, "provider", "", "only query this provider slug")
	rootCmd.AddCommand(importCmd)
}

// readIDFile loads MLS numbers from path.
func readIDFile(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "import: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return parseIDs(ctx, f, strings.EqualFold(filepath.Ext(path), ".json"))
}

// parseIDs reads a JSON array of strings or newline separated numbers.
// Blank lines and lines starting with # are ignored.
func parseIDs(ctx context.Context, r io.Reader, isJSON bool) ([]string, error) {
	var ids []string
	if isJSON {
		err := fetcher.DecodeJSONArray(ctx, r, func(id string) error {
			ids = append(ids, id)
			return nil
		})
		return ids, eris.Wrap(err, "import: decode id list")
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, eris.Wrap(sc.Err(), "import: read id list")
}
