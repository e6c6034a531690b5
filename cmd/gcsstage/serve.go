package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/gcsstage/internal/api"
	"github.com/andresuchdata/gcsstage/internal/config"
	"github.com/andresuchdata/gcsstage/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the read-only HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "Listen port", EnvVars: []string{"SERVER_PORT"}},
		},
		Before: initClient,
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg := config.Load().Server

	port := c.String("port")
	if port == "" {
		port = cfg.Port
	}

	if logger.Log.GetLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      api.NewRouter(clientFrom(c), cfg.AllowedOrigins),
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serveUntilDone(ctx, srv)
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down
// gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Log.Info().Msg("Server exiting")
	return nil
}
