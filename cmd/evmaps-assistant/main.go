package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/augard/evmaps-sub001/internal/config"
	"github.com/augard/evmaps-sub001/internal/connect"
	"github.com/augard/evmaps-sub001/internal/credshare"
	"github.com/augard/evmaps-sub001/internal/logging"
	"github.com/augard/evmaps-sub001/internal/logviewer"
	"github.com/augard/evmaps-sub001/internal/mcpserver"
	"github.com/augard/evmaps-sub001/internal/session"
	"github.com/augard/evmaps-sub001/internal/state"
	"github.com/augard/evmaps-sub001/internal/vehicle"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run serves vehicle tools over MCP stdio. The session comes from the
// app's credential server; stdout carries the protocol, so logs go to
// stderr and optionally to the app's log viewer.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateExtension(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	region, err := cfg.ConnectRegion()
	if err != nil {
		return err
	}

	initial, err := readSecret(cfg)
	if err != nil {
		return err
	}

	var secret atomic.Pointer[string]
	secret.Store(&initial)

	currentSecret := func() string { return *secret.Load() }

	var (
		shipper *logviewer.Shipper
		extra   []slog.Handler
	)

	if cfg.LogViewerEnabled {
		level, err := cfg.SlogLevel()
		if err != nil {
			return err
		}

		ingest := cfg.LogViewerURL("/logs/ingest") + "?" + url.Values{"source": {cfg.ExtensionID}}.Encode()
		shipper = logviewer.NewShipper(ingest, currentSecret)
		extra = append(extra, shipper.Handler(cfg.ExtensionID, level))
	}

	logger := logging.NewLoggerWith(os.Stderr, cfg.Environment, extra...)

	creds := credshare.NewClient(cfg.CredshareAddr, initial, cfg.ExtensionID,
		credshare.WithFallback(state.Source{Path: cfg.StatePath(), Secret: currentSecret}),
		credshare.WithClientLogger(logger),
	)

	sessions := session.NewManager(nil, creds, logger)
	client := connect.NewClient(connect.NewHTTPCaller(cfg.HTTPTimeout, nil), region, logger)

	vehicles := vehicle.NewService(client, sessions,
		vehicle.WithDefaultVIN(selectedVIN(creds)),
		vehicle.WithLogger(logger),
	)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "evmaps-assistant", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, vehicles)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("evmaps assistant starting",
		slog.String("version", Version),
		slog.String("extension", cfg.ExtensionID),
		slog.String("credshare", cfg.CredshareAddr),
	)

	g, gctx := errgroup.WithContext(ctx)

	if shipper != nil {
		g.Go(func() error {
			_ = shipper.Run(gctx)
			return nil
		})
	}

	if cfg.SharedSecret == "" {
		path := filepath.Join(cfg.StateDir, credshare.SecretFile)

		g.Go(func() error {
			err := credshare.WatchSecret(gctx, path, logger, func(next string) {
				secret.Store(&next)
				creds.SetPassword(next)
				logger.Info("shared secret rotated")
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		// The client closing stdin ends the session; stop the other goroutines.
		defer stop()

		if err := mcpServer.Run(gctx, &mcp.StdioTransport{}); err != nil && gctx.Err() == nil {
			return fmt.Errorf("mcp server: %w", err)
		}

		return nil
	})

	return g.Wait()
}

func readSecret(cfg *config.Config) (string, error) {
	if cfg.SharedSecret != "" {
		return cfg.SharedSecret, nil
	}

	secret, err := credshare.ReadSecret(filepath.Join(cfg.StateDir, credshare.SecretFile))
	if errors.Is(err, credshare.ErrNoSecret) {
		return "", fmt.Errorf("%w: start the evmaps app once to create it", err)
	}

	return secret, err
}

// selectedVIN reads the app's vehicle selection from the last credential
// response, fetching one when none is cached. Fetch errors yield no
// selection; the session layer reports them on the API call.
func selectedVIN(creds *credshare.Client) func() (string, error) {
	return func() (string, error) {
		cr, ok := creds.Cached()
		if !ok {
			fetched, err := creds.FetchCredentials(context.Background())
			if err != nil {
				return "", nil
			}

			cr = fetched
		}

		if cr.SelectedVIN == nil {
			return "", nil
		}

		return *cr.SelectedVIN, nil
	}
}
