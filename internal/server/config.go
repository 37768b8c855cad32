package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/tailscale/hujson"
)

// Defaults mirroring the historical server.
const (
	DefaultPort     = 7379
	DefaultBind     = "127.0.0.1"
	DefaultBacklog  = 512
	DefaultDBFile   = "kvstore.db"
	DefaultCapacity = 1024
	DefaultWorkers  = 4
)

var (
	errInvalidPort    = errors.New("port must be between 0 and 65535")
	errInvalidBind    = errors.New("bind address must be an IPv4 address")
	errInvalidBacklog = errors.New("backlog must be positive")
	errInvalidWorkers = errors.New("workers must be positive")
)

// Config holds all server settings. JSON tags match the JSONC config
// file keys; flags override file values which override defaults.
type Config struct {
	Bind        string `json:"bind"`
	Port        int    `json:"port"`
	Backlog     int    `json:"backlog"`
	DBFile      string `json:"db_file"`  //nolint:tagliatelle // snake_case for config file
	Capacity    int    `json:"capacity"`
	Workers     int    `json:"workers"`
	AutoSave    bool   `json:"auto_save"`    //nolint:tagliatelle
	LogFile     string `json:"log_file"`     //nolint:tagliatelle
	MetricsAddr string `json:"metrics_addr"` //nolint:tagliatelle
	Daemonize   bool   `json:"daemonize"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Bind:     DefaultBind,
		Port:     DefaultPort,
		Backlog:  DefaultBacklog,
		DBFile:   DefaultDBFile,
		Capacity: DefaultCapacity,
		Workers:  DefaultWorkers,
		AutoSave: true,
	}
}

// LoadConfigFile overlays the JSONC file at path onto cfg. Keys absent
// from the file keep their current values.
func LoadConfigFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects settings the listener cannot honor. Port 0 asks the
// kernel for an ephemeral port.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", errInvalidPort, c.Port)
	}

	ip := net.ParseIP(c.Bind)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("%w: %q", errInvalidBind, c.Bind)
	}

	if c.Backlog < 1 {
		return fmt.Errorf("%w: %d", errInvalidBacklog, c.Backlog)
	}

	if c.Workers < 1 {
		return fmt.Errorf("%w: %d", errInvalidWorkers, c.Workers)
	}

	return nil
}
