// kv-server is the kvgo network daemon: a typed key-value store behind
// a line-oriented TCP protocol with RESP replies.
//
// Usage:
//
//	kv-server [flags]
//
//	--port P          listen port (default 7379)
//	--bind ADDR       listen address (default 127.0.0.1)
//	--db-file F       snapshot file (default kvstore.db)
//	--capacity N      initial bucket-count hint (default 1024)
//	--workers W       maintenance worker pool size (default 4)
//	--backlog N       listen backlog (default 512)
//	--no-auto-save    do not snapshot on shutdown
//	--log-file F      append logs to F instead of stderr
//	--config F        JSONC config file (flags override it)
//	--metrics-addr A  serve Prometheus metrics on A (off by default)
//	--daemonize       detach into the background
//	--debug           verbose logging
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/abiiranathan/kvgo/internal/logging"
	"github.com/abiiranathan/kvgo/internal/server"
	"github.com/abiiranathan/kvgo/pkg/kvstore"
)

// daemonEnv marks the re-executed child so it does not fork again.
const daemonEnv = "KVGO_DAEMONIZED"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("kv-server", flag.ContinueOnError)

	port := fs.Int("port", server.DefaultPort, "listen port")
	bind := fs.String("bind", server.DefaultBind, "listen address")
	dbFile := fs.String("db-file", server.DefaultDBFile, "snapshot file")
	capacity := fs.Int("capacity", server.DefaultCapacity, "initial bucket-count hint")
	workers := fs.Int("workers", server.DefaultWorkers, "maintenance worker pool size")
	backlog := fs.Int("backlog", server.DefaultBacklog, "listen backlog")
	noAutoSave := fs.Bool("no-auto-save", false, "do not snapshot on shutdown")
	logFile := fs.String("log-file", "", "append logs to this file instead of stderr")
	configFile := fs.String("config", "", "JSONC config file (flags override it)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	daemonize := fs.Bool("daemonize", false, "detach into the background")
	debug := fs.Bool("debug", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	cfg := server.DefaultConfig()

	if *configFile != "" {
		loaded, err := server.LoadConfigFile(*configFile, cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		cfg = loaded
	}

	// Flags that were actually given override the config file.
	applyFlag(fs, "port", func() { cfg.Port = *port })
	applyFlag(fs, "bind", func() { cfg.Bind = *bind })
	applyFlag(fs, "db-file", func() { cfg.DBFile = *dbFile })
	applyFlag(fs, "capacity", func() { cfg.Capacity = *capacity })
	applyFlag(fs, "workers", func() { cfg.Workers = *workers })
	applyFlag(fs, "backlog", func() { cfg.Backlog = *backlog })
	applyFlag(fs, "no-auto-save", func() { cfg.AutoSave = !*noAutoSave })
	applyFlag(fs, "log-file", func() { cfg.LogFile = *logFile })
	applyFlag(fs, "metrics-addr", func() { cfg.MetricsAddr = *metricsAddr })
	applyFlag(fs, "daemonize", func() { cfg.Daemonize = *daemonize })

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	if cfg.Daemonize && os.Getenv(daemonEnv) == "" {
		if err := detach(); err != nil {
			fmt.Fprintln(os.Stderr, "error: daemonize:", err)

			return 1
		}

		return 0
	}

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}

	log, err := newLogger(cfg.LogFile, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	defer func() { _ = log.Close() }()

	store, err := kvstore.Open(kvstore.Options{
		Path:     cfg.DBFile,
		Capacity: cfg.Capacity,
		AutoSave: cfg.AutoSave,
	})
	if err != nil {
		log.Errorf("opening store: %v", err)

		return 1
	}

	srv := server.New(cfg, store, log)

	if err := srv.Listen(); err != nil {
		log.Errorf("startup failed: %v", err)
		_ = store.Close()

		return 1
	}

	// SIGINT/SIGTERM flip the running flag; the loop drains on its
	// next iteration.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Infof("received signal %s, shutting down", sig)
		srv.Shutdown()
	}()

	serveErr := srv.Serve()

	if err := store.Close(); err != nil {
		log.Errorf("auto-save on shutdown failed: %v", err)
	} else {
		log.Infof("engine closed cleanly")
	}

	if serveErr != nil {
		log.Errorf("server loop: %v", serveErr)

		return 1
	}

	return 0
}

func applyFlag(fs *flag.FlagSet, name string, apply func()) {
	if fs.Changed(name) {
		apply()
	}
}

func newLogger(path string, level logging.Level) (*logging.Logger, error) {
	if path == "" {
		return logging.New(os.Stderr, level), nil
	}

	return logging.NewFile(path, level)
}

// detach re-executes the server in a new session with stdio on
// /dev/null, then lets the parent exit.
func detach() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	defer func() { _ = devNull.Close() }()

	cmd := exec.Command(os.Args[0], os.Args[1:]...) //nolint:gosec // re-exec of self
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	return cmd.Start()
}
