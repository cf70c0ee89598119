package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"claudegate/internal/config"
	"claudegate/internal/gateway"
	"claudegate/internal/server"
	"claudegate/internal/upstream"
)

const serveUsage = `Usage:
  claudegate serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration

A .env file in the working directory is loaded before the configuration so
${ENV_VAR} secret references resolve. SIGHUP reloads the gateway table.`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	httpClient := upstream.NewHTTPClient(0)

	store, err := gateway.NewStore(cfg, httpClient)
	if err != nil {
		return err
	}

	go watchReload(ctx, cfgPath, store, httpClient)

	srv, err := server.New(cfg, store)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

// watchReload swaps in a freshly loaded gateway table on SIGHUP. A failed
// reload keeps the previous table in place.
func watchReload(ctx context.Context, cfgPath string, store *gateway.Store, httpClient *http.Client) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(cfgPath)
			if err != nil {
				slog.Error("config reload failed", "path", cfgPath, "err", err)
				continue
			}
			if err := store.Replace(cfg, httpClient); err != nil {
				slog.Error("gateway table reload failed", "err", err)
				continue
			}
			slog.Info("gateway table reloaded", "gateways", len(cfg.Gateways))
		}
	}
}
