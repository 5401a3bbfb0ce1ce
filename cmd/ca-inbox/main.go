// Command ca-inbox watches a directory for *.csr files, publishes a
// NewCsr event for each one found, and removes the file once
// published. It rescans the directory on a timer in addition to
// reacting to filesystem events, so a CSR dropped while the watcher
// was briefly unavailable is never silently missed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/J-Cake/certmaster/internal/config"
	"github.com/J-Cake/certmaster/internal/eventbus"
	"github.com/J-Cake/certmaster/internal/job"
	"github.com/J-Cake/certmaster/internal/xlog"
)

func main() {
	app := &cli.App{
		Name:  "ca-inbox",
		Usage: "watch a directory for certificate signing requests and dispatch them",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "certmaster.toml", Usage: "path to the TOML configuration file"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// seq hands out client ids for CSRs discovered by this process. It
// resets to zero on restart, as the original does; long-lived identity
// lives in the alias, not the client id.
var seq atomic.Uint64

func run(c *cli.Context) error {
	log := xlog.Root()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("ca-inbox: load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Inbox.Path, 0o755); err != nil {
		return fmt.Errorf("ca-inbox: create inbox directory: %w", err)
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
		return fmt.Errorf("ca-inbox: connect to redis: %w", err)
	}

	bus := eventbus.New(client, cfg.Redis.StreamKey)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ca-inbox: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(cfg.Inbox.Path); err != nil {
		return fmt.Errorf("ca-inbox: watch %s: %w", cfg.Inbox.Path, err)
	}

	log.Info("watching inbox", "path", cfg.Inbox.Path)

	rescan := time.NewTicker(time.Duration(cfg.Inbox.RescanInterval) * time.Second)
	defer rescan.Stop()

	scanInbox(ctx, bus, log, cfg.Inbox.Path)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil

		case <-rescan.C:
			log.Trace("reindexing inbox")
			scanInbox(ctx, bus, log, cfg.Inbox.Path)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				scanInbox(ctx, bus, log, cfg.Inbox.Path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("watcher error", "err", err)
		}
	}
}

func scanInbox(ctx context.Context, bus *eventbus.Bus, log xlog.Logger, path string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		log.Error("failed to read inbox", "path", path, "err", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csr") {
			continue
		}

		full := filepath.Join(path, entry.Name())
		dispatchCSR(ctx, bus, log, full)
	}
}

func dispatchCSR(ctx context.Context, bus *eventbus.Bus, log xlog.Logger, path string) {
	pem, err := os.ReadFile(path)
	if err != nil {
		log.Warn("failed to read csr, skipping", "path", path, "err", err)
		return
	}

	clientID := seq.Add(1) - 1
	log.Info("received csr", "path", path, "client_id", clientID)

	if err := bus.Publish(ctx, job.NewCsr{ClientID: clientID, PEM: string(pem)}); err != nil {
		log.Error("failed to dispatch csr, leaving file in place", "path", path, "err", err)
		return
	}

	if err := os.Remove(path); err != nil {
		log.Error("failed to remove consumed csr", "path", path, "err", err)
	}
}
