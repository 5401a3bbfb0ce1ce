// Command ca-repl is a line-oriented console for driving the job
// engine interactively: submitting CSRs from disk or built on the fly,
// passing challenges, and waiting for certificates to come back.
package main

import (
	"bufio"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/J-Cake/certmaster/internal/alias"
	"github.com/J-Cake/certmaster/internal/config"
	"github.com/J-Cake/certmaster/internal/eventbus"
	"github.com/J-Cake/certmaster/internal/job"
	"github.com/J-Cake/certmaster/internal/store"
	"github.com/J-Cake/certmaster/internal/xlog"
)

func main() {
	app := &cli.App{
		Name:  "ca-repl",
		Usage: "interactive console for the job engine",
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

var seq atomic.Uint64

type repl struct {
	store *store.Store
	bus   *eventbus.Bus
	log   xlog.Logger
}

func run(c *cli.Context) error {
	log := xlog.Root()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("ca-repl: load config: %w", err)
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
		return fmt.Errorf("ca-repl: connect to redis: %w", err)
	}

	s := store.New(client)
	if err := s.EnableKeyspaceNotifications(ctx); err != nil {
		return fmt.Errorf("ca-repl: enable keyspace notifications: %w", err)
	}

	r := &repl{store: s, bus: eventbus.New(client, cfg.Redis.StreamKey), log: log}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprint(os.Stderr, "> ")
	for scanner.Scan() {
		line := scanner.Text()

		result, err := r.handleCommand(ctx, strings.Fields(line))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		} else if result != "" {
			for _, ln := range strings.Split(strings.TrimSpace(result), "\n") {
				fmt.Printf("│ %s\n", strings.TrimSpace(ln))
			}
		}

		fmt.Fprint(os.Stderr, "> ")
	}

	return scanner.Err()
}

func (r *repl) handleCommand(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}

	switch args[0] {
	case "echo":
		return strings.Join(args[1:], " "), nil
	case "challenge":
		return "", r.handleChallenge(ctx, args[1:])
	case "request":
		return r.handleRequest(ctx, args[1:])
	case "exit", "quit":
		os.Exit(0)
		return "", nil
	default:
		return "", fmt.Errorf("ca-repl: %q is not a recognised command", args[0])
	}
}

func (r *repl) handleChallenge(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "pass" {
		return fmt.Errorf("ca-repl: invalid syntax, expected: challenge pass <serial>...")
	}

	for _, raw := range args[1:] {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}

		r.log.Info("passing challenge", "id", id)
		if err := r.bus.Publish(ctx, job.JobProgress{ID: id, Status: job.JobStatus{Kind: job.StatusChallengePassed}}); err != nil {
			return fmt.Errorf("ca-repl: dispatch challenge pass: %w", err)
		}
	}
	return nil
}

func (r *repl) handleRequest(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("ca-repl: invalid syntax")
	}

	switch args[0] {
	case "submit":
		return "", r.submit(ctx, args[1:])
	case "new":
		return "", r.newRequest(ctx, args[1:])
	case "await":
		return r.awaitCompletion(ctx, args[1:])
	default:
		return "", fmt.Errorf("ca-repl: invalid syntax")
	}
}

func (r *repl) submit(ctx context.Context, paths []string) error {
	for _, path := range paths {
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("ca-repl: read %s: %w", path, err)
		}

		clientID := seq.Add(1) - 1
		if err := r.bus.Publish(ctx, job.NewCsr{ClientID: clientID, PEM: string(pem)}); err != nil {
			return fmt.Errorf("ca-repl: dispatch %s: %w", path, err)
		}

		alt := alias.Of(clientID, string(pem))
		r.log.Info("submitted csr", "path", path, "alt", alt)
	}
	return nil
}

func (r *repl) newRequest(ctx context.Context, args []string) error {
	var name pkix.Name
	var dnsNames []string
	var ipAddresses []net.IP
	var keyPath string
	async := false

	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() (string, error) {
			i++
			if i >= len(args) {
				return "", fmt.Errorf("ca-repl: expected argument after %s", arg)
			}
			return args[i], nil
		}

		var v string
		var err error

		switch arg {
		case "-key":
			if keyPath, err = next(); err != nil {
				return err
			}
		case "-cn":
			if v, err = next(); err != nil {
				return err
			}
			name.CommonName = v
		case "-c":
			if v, err = next(); err != nil {
				return err
			}
			name.Country = append(name.Country, v)
		case "-o":
			if v, err = next(); err != nil {
				return err
			}
			name.Organization = append(name.Organization, v)
		case "-ou":
			if v, err = next(); err != nil {
				return err
			}
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "-l":
			if v, err = next(); err != nil {
				return err
			}
			name.Locality = append(name.Locality, v)
		case "-st":
			if v, err = next(); err != nil {
				return err
			}
			name.Province = append(name.Province, v)
		case "-alt":
			if v, err = next(); err != nil {
				return err
			}
			dnsNames = append(dnsNames, v)
		case "-ip":
			if v, err = next(); err != nil {
				return err
			}
			ip := net.ParseIP(v)
			if ip == nil {
				return fmt.Errorf("ca-repl: invalid -ip value %q", v)
			}
			ipAddresses = append(ipAddresses, ip)
		case "-async":
			async = true
		default:
			r.log.Warn("unrecognised option", "option", arg)
		}
	}

	if keyPath == "" {
		r.log.Warn("no key specified, skipping")
		return nil
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("ca-repl: read key: %w", err)
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("ca-repl: parse key: %w", err)
	}

	template := &x509.CertificateRequest{Subject: name, DNSNames: dnsNames, IPAddresses: ipAddresses}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return fmt.Errorf("ca-repl: build csr: %w", err)
	}
	csrPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))

	clientID := seq.Add(1) - 1
	alt := alias.Of(clientID, csrPEM)

	if err := r.bus.Publish(ctx, job.NewCsr{ClientID: clientID, PEM: csrPEM}); err != nil {
		return fmt.Errorf("ca-repl: dispatch csr: %w", err)
	}

	if async {
		r.log.Info("sent request", "alt", alt)
		return nil
	}

	_, err = r.awaitCompletion(ctx, []string{alt})
	return err
}

func (r *repl) awaitCompletion(ctx context.Context, aliases []string) (string, error) {
	if len(aliases) == 0 {
		return "", fmt.Errorf("ca-repl: invalid syntax, expected: request await <alias>...")
	}

	pending := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		pending[a] = true
	}

	notifications, cleanup, err := r.store.Subscribe(ctx, "alt:*")
	if err != nil {
		return "", fmt.Errorf("ca-repl: subscribe: %w", err)
	}
	defer cleanup()

	var results []string
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case n := <-notifications:
			clientJob, err := store.Get[job.ClientJob](ctx, r.store, n.Key)
			if err != nil {
				continue
			}
			if clientJob.Status.Kind != job.AliasSuccess {
				continue
			}
			if !pending[clientJob.Alias] {
				r.log.Warn("certificate was not expected", "alias", clientJob.Alias)
				continue
			}
			delete(pending, clientJob.Alias)
			results = append(results, fmt.Sprintf("%s: %s", clientJob.Alias, clientJob.Status.Certificate))
		}
	}

	return strings.Join(results, "\n"), nil
}

func parsePrivateKeyPEM(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("ca-repl: no PEM block found in key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("ca-repl: unsupported private key encoding")
}
