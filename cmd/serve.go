package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/api"
	"github.com/joescharf/ballot/internal/daemon"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server exposing the session API under /api/v1.
By default it listens on port 8080. Use --port to change it.

Only one server may run per workspace. On SIGINT or SIGTERM the server stops
accepting requests and exits; worktrees are left on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()
		return serveRun(ctx, viper.GetInt("port"), nil)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

// pidFile returns the server guard for the configured workspace.
func pidFile() (*daemon.PIDFile, error) {
	root, err := workspaceRoot()
	if err != nil {
		return nil, err
	}
	return daemon.NewPIDFile(daemon.PathFor(viper.GetString("state_dir"), root)), nil
}

// serveRun serves the API until ctx is cancelled. ready, when non-nil,
// receives the bound address once the listener is open.
func serveRun(ctx context.Context, port int, ready chan<- string) error {
	pf, err := pidFile()
	if err != nil {
		return err
	}
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			logger.Warn("release pid file", zap.Error(err))
		}
	}()

	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           api.NewServer(d.registry, d.journal, logger.Named("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	ui.Success("Serving ballot API at http://%s/api/v1", addr)
	logger.Info("api server started", zap.String("addr", addr), zap.String("pid_file", pf.Path))
	if ready != nil {
		ready <- addr
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("api server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
