// Command ca-worker runs the worker loop: it joins the shared
// consumer group and dispatches every event it reads to the job
// state machine until told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/J-Cake/certmaster/internal/config"
	"github.com/J-Cake/certmaster/internal/eventbus"
	"github.com/J-Cake/certmaster/internal/job"
	"github.com/J-Cake/certmaster/internal/store"
	"github.com/J-Cake/certmaster/internal/worker"
	"github.com/J-Cake/certmaster/internal/xlog"
)

func main() {
	app := &cli.App{
		Name:  "ca-worker",
		Usage: "consume CSR intake and challenge events and drive certificates to completion",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "certmaster.toml", Usage: "path to the TOML configuration file"},
			&cli.BoolFlag{Name: "json", Usage: "emit structured JSON logs instead of the terminal format"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := xlog.Root()
	if c.Bool("json") {
		log = xlog.NewLogger(xlog.JSONHandler(os.Stdout))
		xlog.SetDefault(log)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("ca-worker: load config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ca-worker: connect to redis: %w", err)
	}

	s := store.New(client)
	bus := eventbus.New(client, cfg.Redis.StreamKey)
	handlers := &job.Handlers{
		Store:      s,
		Bus:        bus,
		CACertPath: cfg.CA.Certificate,
		CAKeyPath:  cfg.CA.Key,
		JobListKey: cfg.Redis.JobListKey,
		Log:        log,
	}

	w, err := worker.New(ctx, s, bus, handlers, log)
	if err != nil {
		return fmt.Errorf("ca-worker: start: %w", err)
	}

	log.Info("worker ready, waiting for events")
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ca-worker: %w", err)
	}

	log.Info("shutting down")
	return nil
}
