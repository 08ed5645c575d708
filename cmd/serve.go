package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operational HTTP server",
	Long:  "Serves health, status, metrics and job trigger endpoints. Jobs only run when triggered over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), "serve", false)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled replication with the HTTP server",
	Long:  "Runs the cron scheduler from scheduler.jobs alongside the operational HTTP server, the media queue and the alert checker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), "daemon", true)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	daemonCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runServer(parent context.Context, mode string, schedule bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := initApp(ctx, mode)
	if err != nil {
		return err
	}
	defer app.Close()

	stopMedia := app.StartMedia(ctx)
	defer stopMedia()

	go app.Checker.Run(ctx)

	known := func(name string) bool {
		_, err := app.Engine.Registry().Get(name)
		return err == nil
	}

	if schedule {
		sched := scheduler.New(app.Engine, cfg.Scheduler.Jobs)
		if err := sched.Start(ctx, known); err != nil {
			return err
		}
		defer sched.Stop()
	}

	ops := newOpsServer(ctx, opsDeps{
		Jobs:        app.Engine,
		Known:       known,
		Dispatcher:  app.Dispatcher,
		Progress:    app.Tracker,
		Cursors:     app.Cursors,
		Runs:        app.SyncLog,
		Replication: cfg.Replication,
	})

	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           ops.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.String("mode", mode), zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}

	ops.Wait()
	waitTimeout(app.Dispatcher.Wait, 30*time.Second)
	return nil
}

// waitTimeout calls wait but gives up after d.
func waitTimeout(wait func(), d time.Duration) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		zap.L().Warn("gave up waiting for queued chains", zap.Duration("after", d))
	}
}
