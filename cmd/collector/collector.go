package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/btthermo"
)

type cliOptions struct {
	configPath string
	logDir     string
	debug      bool
}

func main() {

	// Parse command line options
	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (defaults apply if empty)")
	flag.StringVar(&opts.logDir, "dir", "", "directory for per-device CSV logs (overrides configuration)")
	flag.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flag.Parse()

	logger := btthermo.NewDefaultLogger(opts.debug)

	cfg := btthermo.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = btthermo.LoadConfig(opts.configPath); err != nil {
			logger.Fatalf("failed to load configuration `%s`: %s", opts.configPath, err)
		}
	}
	if opts.logDir != "" {
		cfg.LogDir = opts.logDir
	}

	c, err := btthermo.New(cfg, btthermo.WithLogger(logger))
	if err != nil {
		logger.Fatalf("failed to initialize collector: %s", err)
	}

	stateChan := make(chan btthermo.StatusUpdate, 32)
	c.SetStateChangeChannel(stateChan)

	go func() {
		for update := range stateChan {
			if update.Status.Error != nil {
				logger.Infof("device `%s/%s` changed state to %s (%s)", update.Device.DisplayName, update.Device.Addr, update.Status.State, update.Status.Error)
				continue
			}
			logger.Infof("device `%s/%s` changed state to %s", update.Device.DisplayName, update.Device.Addr, update.Status.State)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		logger.Fatalf("collection failed: %s", err)
	}

	logger.Infof("all devices released, shutting down")
}
