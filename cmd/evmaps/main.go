package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/augard/evmaps-sub001/internal/config"
	"github.com/augard/evmaps-sub001/internal/connect"
	"github.com/augard/evmaps-sub001/internal/credshare"
	"github.com/augard/evmaps-sub001/internal/logging"
	"github.com/augard/evmaps-sub001/internal/logviewer"
	"github.com/augard/evmaps-sub001/internal/session"
	"github.com/augard/evmaps-sub001/internal/state"
	"github.com/augard/evmaps-sub001/internal/vehicle"
	"github.com/spf13/pflag"
)

var Version = "dev"

const usage = `usage: evmaps <command> [flags]

commands:
  run            serve credentials to extensions (default)
  login          sign in with EVMAPS_USERNAME and EVMAPS_PASSWORD
  logout         end the session and forget the stored credentials
  select-vin     list vehicles, or select one with --vin
  status         print a vehicle's status
  rotate-secret  replace the shared secret
  logs           stream the log viewer to the terminal
  version        print the version
`

func main() {
	cmd := "run"
	args := os.Args[1:]

	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	if err := dispatch(cmd, args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(cmd string, args []string) error {
	switch cmd {
	case "version":
		fmt.Println(Version)
		return nil
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		return runDaemon(ctx, cfg, args)
	case "login":
		return withApp(cfg, os.Stderr, func(a *app) error { return runLogin(ctx, a) })
	case "logout":
		return withApp(cfg, os.Stderr, func(a *app) error { return runLogout(ctx, a) })
	case "select-vin":
		return withApp(cfg, os.Stderr, func(a *app) error { return runSelectVIN(ctx, a, args, os.Stdout) })
	case "status":
		return withApp(cfg, os.Stderr, func(a *app) error { return runStatus(ctx, a, args, os.Stdout) })
	case "rotate-secret":
		return runRotateSecret(cfg, os.Stdout)
	case "logs":
		return runLogs(ctx, cfg, args, os.Stdout)
	}

	fmt.Fprint(os.Stderr, usage)

	return fmt.Errorf("unknown command %q", cmd)
}

// app bundles the app-side stack shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	secret    string
	state     *state.State
	client    *connect.Client
	refresher *session.LoginRefresher
	sessions  *session.Manager
	vehicles  *vehicle.Service
}

// secretPath returns the shared secret file, or "" when the secret comes
// from the environment.
func secretPath(cfg *config.Config) string {
	if cfg.SharedSecret != "" {
		return ""
	}

	return filepath.Join(cfg.StateDir, credshare.SecretFile)
}

func loadSecret(cfg *config.Config) (string, error) {
	path := secretPath(cfg)
	if path == "" {
		return cfg.SharedSecret, nil
	}

	secret, err := credshare.LoadOrCreateSecret(path)
	if err != nil {
		return "", fmt.Errorf("loading shared secret: %w", err)
	}

	return secret, nil
}

// openApp opens the state store and wires the connect client, session
// manager and vehicle service. extra handlers also receive every log record.
func openApp(cfg *config.Config, w io.Writer, extra ...slog.Handler) (*app, error) {
	if err := cfg.ValidateApp(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	logger := logging.NewLoggerWith(w, cfg.Environment, extra...)

	region, err := cfg.ConnectRegion()
	if err != nil {
		return nil, err
	}

	secret, err := loadSecret(cfg)
	if err != nil {
		return nil, err
	}

	st, err := state.Open(cfg.StatePath(), secret)
	if err != nil {
		if errors.Is(err, state.ErrWrongSecret) {
			return nil, fmt.Errorf("opening state: %w (was the secret replaced while the app was stopped?)", err)
		}

		return nil, fmt.Errorf("opening state: %w", err)
	}

	client := connect.NewClient(connect.NewHTTPCaller(cfg.HTTPTimeout, nil), region, logger)
	refresher := session.NewLoginRefresher(client, st, logger)
	sessions := session.NewManager(st, refresher, logger)

	vehicles := vehicle.NewService(client, sessions,
		vehicle.WithSnapshotStore(st),
		vehicle.WithDefaultVIN(st.SelectedVIN),
		vehicle.WithLogger(logger),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		secret:    secret,
		state:     st,
		client:    client,
		refresher: refresher,
		sessions:  sessions,
		vehicles:  vehicles,
	}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}

func withApp(cfg *config.Config, w io.Writer, fn func(*app) error) error {
	a, err := openApp(cfg, w)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

// hubHandler returns the hub's slog handler at the configured level.
func hubHandler(cfg *config.Config, hub *logviewer.Hub) (slog.Handler, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	return hub.Handler("app", level), nil
}
