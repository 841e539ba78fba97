// leetbuddyd is the leetbuddy daemon. It observes practice-site tabs that
// connect over its socket, tracks the active problem, records accepted
// submissions and serves the panel and the leetbuddyctl CLI.
//
//	leetbuddyd [-config path] [-log-level level]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leetbuddy/internal/config"
	"leetbuddy/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file (default: search the config directory)")
	logLevel    = flag.String("log-level", "", "override the configured log level")
	showVersion = flag.Bool("version", false, "print version and exit")
	noWatch     = flag.Bool("no-watch", false, "do not reload the config file on change")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("leetbuddyd", Version)
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "leetbuddyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if _, _, err := config.LoadOrCreate(path); err != nil {
		return err
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	daemon, err := NewDaemon(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Start(ctx); err != nil {
		daemon.Stop(context.Background())
		return err
	}

	log := logger.WithComponent("daemon")
	if !*noWatch {
		loader.OnChange(func(old, cfg *config.Config) {
			log.Info("config reloaded", "path", loader.Path())
			daemon.Reconfigure(ctx, old, cfg)
		})
		if err := loader.Watch(); err != nil {
			log.Warn("config watch disabled", "error", err)
		} else {
			go func() {
				for err := range loader.Errors() {
					log.Warn("config reload failed", "error", err)
				}
			}()
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	loader.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := daemon.Stop(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
		return err
	}
	log.Info("daemon stopped")
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  int64(cfg.Logging.MaxSizeMB),
		MaxBackups: cfg.Logging.MaxBackups,
		Component:  "leetbuddyd",
	})
}
