package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bb8-bridge/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run the bridge (default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath(args))
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("bb8-bridge starting", "version", version, "link", cfg.linkAddress())

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// The session outlives the signal context; a.close stops it last.
	a.start(context.Background())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auto, autoWebOpts := initAutomation(a.session, a.entities, a.bus, cfg, logger)
	webServer := web.NewServer(a.session, a.entities, a.bus, logger, append(webOptions(cfg), autoWebOpts...)...)
	httpServer := serveHTTP(cfg.Web.Listen, webServer, logger)
	mqtt := initMQTT(a, cfg, logger)

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	// Outer surfaces first so nothing submits to a closing session.
	auto.Stop()
	mqtt.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
	return nil
}

func webOptions(cfg *Config) []web.ServerOption {
	opts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	return opts
}

// serveHTTP starts listening in the background. The write timeout leaves
// room for a light transition plus the command wait.
func serveHTTP(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("web server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()
	return srv
}
