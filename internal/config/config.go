package config

import (
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/augard/evmaps-sub001/internal/connect"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/augard/evmaps-sub001/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the app and the
// assistant extension. Both processes load the same variables; each
// validates only what it needs.
type Config struct {
	// Connect account. Brand is kia, hyundai or genesis.
	Brand  string `env:"EVMAPS_BRAND" envDefault:"kia"`
	Region string `env:"EVMAPS_REGION" envDefault:"eu"`

	// Account credentials used by the login command. Once a login
	// succeeds they are kept in the state store and no longer needed here.
	Username string `env:"EVMAPS_USERNAME"`
	Password string `env:"EVMAPS_PASSWORD"`

	// Directory holding the state database and the shared secret file.
	// Defaults to ~/.evmaps.
	StateDir string `env:"EVMAPS_STATE_DIR"`

	// Shared secret between app and extensions. When empty the secret file
	// in StateDir is used, created on first run by the app.
	SharedSecret string `env:"EVMAPS_SHARED_SECRET"`

	// Local credential server.
	CredshareEnabled bool   `env:"CREDSHARE_ENABLED" envDefault:"true"`
	CredshareAddr    string `env:"CREDSHARE_ADDR" envDefault:"127.0.0.1:7765"`

	// Remote log viewer, hosted by the app.
	LogViewerEnabled bool   `env:"LOGVIEWER_ENABLED" envDefault:"false"`
	LogViewerAddr    string `env:"LOGVIEWER_ADDR" envDefault:"127.0.0.1:7766"`

	// Identifier the extension sends with credential requests.
	ExtensionID string `env:"EXTENSION_ID" envDefault:"evmaps-assistant"`

	// Per-request timeout for calls to the connect backend.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Minimum level of records sent to the log viewer.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := state.DefaultDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// ValidateApp checks the settings the app process needs.
func (c *Config) ValidateApp() error {
	if _, err := c.ConnectRegion(); err != nil {
		return err
	}

	if c.CredshareEnabled {
		if err := checkHostPort("CREDSHARE_ADDR", c.CredshareAddr); err != nil {
			return err
		}
	}

	if c.LogViewerEnabled {
		if err := checkHostPort("LOGVIEWER_ADDR", c.LogViewerAddr); err != nil {
			return err
		}
	}

	return nil
}

// ValidateExtension checks the settings an extension process needs.
// Extensions call the vehicle API with the app's session, so the region
// must resolve as well.
func (c *Config) ValidateExtension() error {
	if _, err := c.ConnectRegion(); err != nil {
		return err
	}

	if err := checkHostPort("CREDSHARE_ADDR", c.CredshareAddr); err != nil {
		return err
	}

	if strings.TrimSpace(c.ExtensionID) == "" {
		return fmt.Errorf("EXTENSION_ID must not be empty")
	}

	if c.LogViewerEnabled {
		if err := checkHostPort("LOGVIEWER_ADDR", c.LogViewerAddr); err != nil {
			return err
		}
	}

	return nil
}

func checkHostPort(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", name)
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s must be host:port: %w", name, err)
	}

	return nil
}

// ConnectRegion resolves Brand and Region to the connect endpoint set.
func (c *Config) ConnectRegion() (connect.Region, error) {
	r, err := connect.LookupRegion(c.Brand, c.Region)
	if err != nil {
		return connect.Region{}, fmt.Errorf("EVMAPS_BRAND/EVMAPS_REGION: %w", err)
	}

	return r, nil
}

// LoginCredentials returns the configured account credentials. Both
// EVMAPS_USERNAME and EVMAPS_PASSWORD must be set.
func (c *Config) LoginCredentials() (models.LoginCredentials, error) {
	if c.Username == "" {
		return models.LoginCredentials{}, fmt.Errorf("EVMAPS_USERNAME is required")
	}

	if c.Password == "" {
		return models.LoginCredentials{}, fmt.Errorf("EVMAPS_PASSWORD is required")
	}

	return models.LoginCredentials{Username: c.Username, Password: c.Password}, nil
}

// StatePath returns the state database path.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, state.DBFile)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: must be debug, info, warn or error", c.LogLevel)
	}

	return l, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LogViewerURL returns the WebSocket URL of a log viewer endpoint on
// LogViewerAddr, such as "/logs/tail".
func (c *Config) LogViewerURL(path string) string {
	return "ws://" + c.LogViewerAddr + path
}
