package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/augard/evmaps-sub001/internal/config"
	"github.com/augard/evmaps-sub001/internal/credshare"
	"github.com/augard/evmaps-sub001/internal/logviewer"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/augard/evmaps-sub001/internal/server"
	"github.com/augard/evmaps-sub001/internal/session"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	// sessionCheckDefault is the keep-fresh interval when the session has
	// no usable lifetime.
	sessionCheckDefault = 30 * time.Minute
	sessionCheckMin     = time.Minute
	sessionCheckMax     = 6 * time.Hour

	shutdownTimeout = 10 * time.Second
)

// runDaemon serves the session to extensions until ctx is cancelled.
// SIGUSR1 stops the credential server, SIGUSR2 starts it and SIGHUP
// restarts it.
func runDaemon(ctx context.Context, cfg *config.Config, args []string) error {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	logViewer := flags.Bool("logviewer", cfg.LogViewerEnabled, "host the log viewer on LOGVIEWER_ADDR")
	credshareOn := flags.Bool("credshare", cfg.CredshareEnabled, "start the credential server")

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg.LogViewerEnabled = *logViewer

	var (
		hub   *logviewer.Hub
		extra []slog.Handler
	)

	if cfg.LogViewerEnabled {
		hub = logviewer.NewHub(logviewer.DefaultHubSize)

		h, err := hubHandler(cfg, hub)
		if err != nil {
			return err
		}

		extra = append(extra, h)
	}

	a, err := openApp(cfg, os.Stdout, extra...)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	logger.Info("evmaps starting",
		slog.String("version", Version),
		slog.String("brand", cfg.Brand),
		slog.String("region", cfg.Region),
		slog.Bool("credshare", *credshareOn),
		slog.Bool("logviewer", cfg.LogViewerEnabled),
	)

	var secret atomic.Pointer[string]
	secret.Store(&a.secret)

	srv, err := credshare.NewServer(cfg.CredshareAddr, a.secret, a.state, credshare.WithServerLogger(logger))
	if err != nil {
		return fmt.Errorf("creating credential server: %w", err)
	}

	if *credshareOn {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("starting credential server: %w", err)
		}
	}
	defer srv.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return controlServer(gctx, srv, logger)
	})

	if path := secretPath(cfg); path != "" {
		g.Go(func() error {
			err := credshare.WatchSecret(gctx, path, logger, func(next string) {
				if err := a.state.Rekey(next); err != nil {
					logger.Error("rekeying state for new secret", slog.String("error", err.Error()))
					return
				}

				srv.SetPassword(next)
				secret.Store(&next)
				logger.Info("shared secret rotated")
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		keepSessionFresh(gctx, a)
		return nil
	})

	if hub != nil {
		g.Go(func() error {
			return serveLogViewer(gctx, cfg, hub, func() string { return *secret.Load() }, logger)
		})
	}

	return g.Wait()
}

// controlServer maps signals to credential server state changes.
func controlServer(ctx context.Context, srv *credshare.Server, logger *slog.Logger) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			var err error

			switch sig {
			case syscall.SIGUSR1:
				err = srv.Stop()
			case syscall.SIGUSR2:
				err = srv.Start()
			case syscall.SIGHUP:
				err = srv.Restart()
			}

			if err != nil {
				logger.Error("credential server control",
					slog.String("signal", sig.String()),
					slog.String("error", err.Error()),
				)

				continue
			}

			logger.Info("credential server control",
				slog.String("signal", sig.String()),
				slog.String("state", srv.State().String()),
			)
		}
	}
}

// keepSessionFresh probes the backend periodically so an expired session
// is refreshed by the app before extensions fetch it.
func keepSessionFresh(ctx context.Context, a *app) {
	for {
		interval := sessionCheckInterval(a.sessions)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, ok := a.sessions.Current(); !ok {
			continue
		}

		_, err := session.Execute(ctx, a.sessions, func(ctx context.Context, auth models.AuthorizationData) (int, error) {
			vehicles, err := a.client.ListVehicles(ctx, auth)
			return len(vehicles), err
		})
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("session check failed", slog.String("error", err.Error()))
		}
	}
}

func sessionCheckInterval(sessions *session.Manager) time.Duration {
	auth, ok := sessions.Current()
	if !ok || auth.ExpiresIn <= 0 {
		return sessionCheckDefault
	}

	return min(max(time.Duration(auth.ExpiresIn)*time.Second/2, sessionCheckMin), sessionCheckMax)
}

func serveLogViewer(ctx context.Context, cfg *config.Config, hub *logviewer.Hub, secret func() string, logger *slog.Logger) error {
	mux := server.NewMux(server.MuxConfig{
		Hub:     hub,
		Secret:  secret,
		Logger:  logger,
		Version: Version,
	})

	// No write timeout: tail connections are long-lived WebSockets.
	httpServer := &http.Server{
		Addr:              cfg.LogViewerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		httpServer.Shutdown(shutdownCtx) //nolint:errcheck // best-effort shutdown
	}()

	logger.Info("log viewer listening", slog.String("addr", cfg.LogViewerAddr))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("log viewer server: %w", err)
	}

	return nil
}
