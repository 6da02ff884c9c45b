// Command dbporter moves data between heterogeneous database engines:
// table export/import through flat files, full backup/restore through
// native dumps, over pluggable storage backends. `dbporter serve` runs
// the API and worker pool; the other commands talk to it over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dbporter/dbporter/internal/api"
	"github.com/dbporter/dbporter/internal/config"
	"github.com/dbporter/dbporter/internal/logging"
	"github.com/dbporter/dbporter/internal/secrets"
	"github.com/dbporter/dbporter/internal/task"

	// Engine adapters register themselves on import.
	_ "github.com/dbporter/dbporter/internal/adapter/elastic"
	_ "github.com/dbporter/dbporter/internal/adapter/mongo"
	_ "github.com/dbporter/dbporter/internal/adapter/mysql"
	_ "github.com/dbporter/dbporter/internal/adapter/postgres"
	_ "github.com/dbporter/dbporter/internal/adapter/sqlite"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "dbporter",
		Usage:   "Cross-engine data movement: export, import, backup, restore",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "dbporter.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "",
				Usage: "Override log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			statusCommand(),
			cancelCommand(),
			retryCommand(),
			tasksCommand(),
			profileCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

// loadConfig reads the config file and applies logging settings.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if v := c.String("verbosity"); v != "" {
		level = v
	}
	if err := logging.Init(level, cfg.Log.Encoding); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the API server and worker pool",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			store, err := task.Open(cfg.Worker.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := task.NewJobRunner(cfg, store, secrets.Static{})
			dispatcher := task.NewDispatcher(store, runner, cfg.Worker.Workers, cfg.Worker.MaxRetries)

			srv := &http.Server{
				Addr:    cfg.Server.Listen,
				Handler: api.NewServer(cfg, store).Handler(),
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Info("api listening", "addr", cfg.Server.Listen)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			go func() {
				<-ctx.Done()
				logging.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			dispatchDone := make(chan struct{})
			go func() {
				dispatcher.Run(ctx)
				close(dispatchDone)
			}()

			select {
			case err := <-errCh:
				stop()
				<-dispatchDone
				return err
			case <-dispatchDone:
				return nil
			}
		},
	}
}
