// Command kiosk runs the display daemon. It enrolls the device with the
// kiosk server, serves the live display through a local proxy and falls
// back to cached content while the server is unreachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/avaropoint/kiosk/internal/config"
	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	serverURL := flag.String("server", "", "Kiosk server URL (persisted for later starts)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	reset := flag.Bool("reset", false, "Forget the registration and cached content, then exit")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kiosk v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiosk: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Debug = true
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiosk: logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", version.Version).
		Str("built", version.BuildTime).
		Str("os", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("Kiosk starting")

	if err := run(cfg, *serverURL, *reset, log); err != nil {
		log.Error().Err(err).Msg("Kiosk stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, serverURL string, reset bool, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, serverURL, log)
	if err != nil {
		return err
	}
	defer d.Close()

	if reset {
		if err := d.Reset(ctx); err != nil {
			return err
		}
		log.Info().Msg("Registration and cache cleared")
		return nil
	}

	return d.Run(ctx)
}
