package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/api"
	"github.com/sells-group/projectmatch/internal/requirement"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP adapter",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		go runSweeper(ctx, env.Engine, sweepInterval(cfg.Assembly.InactivityTimeout))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewServer(env.Engine, env.Resolver, env.Matcher, api.WithWarmOnPublish()).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// sweepInterval is how often the server looks for inactive records. Zero
// disables the sweeper.
func sweepInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	return max(timeout/4, time.Minute)
}

// runSweeper abandons inactive records every interval until ctx is done.
func runSweeper(ctx context.Context, engine *requirement.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			abandoned, err := engine.SweepInactive(ctx, now)
			if err != nil {
				zap.L().Error("inactivity sweep failed", zap.Error(err))
				continue
			}
			if len(abandoned) > 0 {
				zap.L().Info("inactive records abandoned", zap.Strings("record_ids", abandoned))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
