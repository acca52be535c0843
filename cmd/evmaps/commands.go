package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/augard/evmaps-sub001/internal/config"
	"github.com/augard/evmaps-sub001/internal/connect"
	"github.com/augard/evmaps-sub001/internal/credshare"
	"github.com/augard/evmaps-sub001/internal/logviewer"
	"github.com/augard/evmaps-sub001/internal/state"
	"github.com/spf13/pflag"
)

// runLogin signs in with the configured credentials. With exactly one
// vehicle on the account and none selected, it is selected.
func runLogin(ctx context.Context, a *app) error {
	creds, err := a.cfg.LoginCredentials()
	if err != nil {
		return err
	}

	if _, err := a.sessions.Login(ctx, creds); err != nil {
		if kind, ok := connect.AuthErrorKindOf(err); ok {
			a.logger.Debug("login failed", slog.String("step", kind.String()))
		}

		return fmt.Errorf("logging in: %w", err)
	}

	vehicles, err := a.vehicles.Vehicles(ctx)
	if err != nil {
		return fmt.Errorf("listing vehicles: %w", err)
	}

	a.logger.Info("account vehicles", slog.Int("count", len(vehicles)))

	selected, err := a.state.SelectedVIN()
	if err != nil {
		return err
	}

	if selected == "" && len(vehicles) == 1 {
		if err := a.state.SetSelectedVIN(vehicles[0].VIN); err != nil {
			return fmt.Errorf("selecting vehicle: %w", err)
		}

		a.logger.Info("selected vehicle", slog.String("vin", vehicles[0].VIN))
	}

	return nil
}

func runLogout(ctx context.Context, a *app) error {
	if err := a.sessions.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	a.logger.Info("logged out")

	return nil
}

// runSelectVIN lists the account's vehicles, or selects one with --vin.
func runSelectVIN(ctx context.Context, a *app, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("select-vin", pflag.ContinueOnError)
	vin := flags.String("vin", "", "VIN to select")
	clearSel := flags.Bool("clear", false, "clear the selection")

	if err := flags.Parse(args); err != nil {
		return err
	}

	if *clearSel {
		return a.state.SetSelectedVIN("")
	}

	vehicles, err := a.vehicles.Vehicles(ctx)
	if err != nil {
		return fmt.Errorf("listing vehicles: %w", err)
	}

	if *vin == "" {
		selected, err := a.state.SelectedVIN()
		if err != nil {
			return err
		}

		printVehicles(out, vehicles, selected)

		return nil
	}

	for _, v := range vehicles {
		if strings.EqualFold(v.VIN, *vin) {
			return a.state.SetSelectedVIN(v.VIN)
		}
	}

	return fmt.Errorf("no vehicle with VIN %q on this account", *vin)
}

func printVehicles(out io.Writer, vehicles []connect.Vehicle, selected string) {
	sort.Slice(vehicles, func(i, j int) bool { return vehicles[i].VIN < vehicles[j].VIN })

	for _, v := range vehicles {
		marker := " "
		if v.VIN == selected {
			marker = "*"
		}

		name := v.Nickname
		if name == "" {
			name = v.VehicleName
		}

		fmt.Fprintf(out, "%s %s  %s %s\n", marker, v.VIN, name, v.Year)
	}
}

// runStatus prints the status document of a vehicle, or with --changes the
// lines that changed since the previous reading.
func runStatus(ctx context.Context, a *app, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
	vin := flags.String("vin", "", "vehicle VIN (defaults to the selected vehicle)")
	refresh := flags.Bool("refresh", false, "wake the vehicle for a live reading")
	changes := flags.Bool("changes", false, "show what changed since the previous reading")

	if err := flags.Parse(args); err != nil {
		return err
	}

	var result any

	if *changes {
		ch, err := a.vehicles.StatusChanges(ctx, *vin)
		if err != nil {
			return err
		}

		result = ch
	} else {
		st, err := a.vehicles.Status(ctx, *vin, *refresh)
		if err != nil {
			return err
		}

		result = st
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(out, string(data))

	return nil
}

// runRotateSecret replaces the shared secret. When the app is not running
// the store is rekeyed here first; otherwise the running app picks up the
// new file and rekeys itself.
func runRotateSecret(cfg *config.Config, out io.Writer) error {
	path := secretPath(cfg)
	if path == "" {
		return errors.New("the shared secret comes from EVMAPS_SHARED_SECRET; change it there")
	}

	current, err := credshare.LoadOrCreateSecret(path)
	if err != nil {
		return err
	}

	next, err := credshare.NewSecret()
	if err != nil {
		return err
	}

	st, err := state.Open(cfg.StatePath(), current, state.OpenTimeout(200*time.Millisecond))

	switch {
	case err == nil:
		rekeyErr := st.Rekey(next)
		st.Close()

		if rekeyErr != nil {
			return rekeyErr
		}
	case errors.Is(err, state.ErrLocked):
		// The app is running and rekeys on the file change.
	default:
		return fmt.Errorf("opening state: %w", err)
	}

	if err := credshare.WriteSecret(path, next); err != nil {
		return err
	}

	fmt.Fprintf(out, "shared secret rotated (%s)\n", filepath.Base(path))

	return nil
}

// runLogs streams the app's log viewer to out.
func runLogs(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	level := flags.String("level", "", "minimum level (debug, info, warn, error)")
	source := flags.String("source", "", "only entries from this source")

	if err := flags.Parse(args); err != nil {
		return err
	}

	token := cfg.SharedSecret
	if token == "" {
		secret, err := credshare.ReadSecret(filepath.Join(cfg.StateDir, credshare.SecretFile))
		if err != nil {
			return err
		}

		token = secret
	}

	q := url.Values{}
	if *level != "" {
		q.Set("level", *level)
	}

	if *source != "" {
		q.Set("source", *source)
	}

	target := cfg.LogViewerURL("/logs/tail")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	err := logviewer.Tail(ctx, target, token, func(e logviewer.Entry) {
		fmt.Fprintln(out, formatEntry(e))
	})
	if ctx.Err() != nil {
		return nil
	}

	return err
}

func formatEntry(e logviewer.Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %-5s [%s] %s", e.Time.Local().Format("15:04:05.000"), e.Level, e.Source, e.Message)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
	}

	return b.String()
}
