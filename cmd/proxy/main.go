package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
	"github.com/turpault/proxy/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config/main.yaml", "Path to main.yaml (or a legacy proxy.yaml)")
	createConfig := flag.String("create-config", "", "Write an example proxy.yaml to the given path and exit")
	noWatch := flag.Bool("no-watch", false, "Disable configuration file watching")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("proxy %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *createConfig != "" {
		if err := config.WriteExample(*createConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *createConfig)
		os.Exit(0)
	}

	// Environment overrides for the flags, matching the config loader's
	// other env handling.
	path := *configPath
	if env := os.Getenv("MAIN_CONFIG_FILE"); env != "" {
		path = env
	} else if env := os.Getenv("CONFIG_FILE"); env != "" {
		path = env
	}
	watch := !*noWatch
	if os.Getenv("DISABLE_CONFIG_WATCH") == "true" {
		watch = false
	}

	loader := config.NewLoader()
	snap, err := loader.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(snap.Proxy.Logging.Level, snap.Proxy.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting proxy",
		zap.String("version", version),
		zap.String("config", path),
		zap.Int("routes", len(snap.Proxy.Routes)),
		zap.Int("port", snap.Proxy.Port),
	)

	store := config.NewStore(snap)

	if watch {
		watcher, err := config.NewWatcher(store, loader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start config watcher: %v\n", err)
			os.Exit(1)
		}
		watcher.Start()
		defer watcher.Stop()
	}

	srv, err := server.New(store, version)
	if err != nil {
		logging.Error("failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
