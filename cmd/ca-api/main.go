// Command ca-api exposes the job engine over HTTP: submitting CSRs,
// listing and inspecting jobs, and passing challenges, as an
// alternative producer to the filesystem inbox and the REPL.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/J-Cake/certmaster/internal/alias"
	"github.com/J-Cake/certmaster/internal/config"
	"github.com/J-Cake/certmaster/internal/eventbus"
	"github.com/J-Cake/certmaster/internal/job"
	"github.com/J-Cake/certmaster/internal/store"
	"github.com/J-Cake/certmaster/internal/xlog"
)

const version = "0.1.0"
const defaultPageSize = 100

func main() {
	app := &cli.App{
		Name:  "ca-api",
		Usage: "serve the job engine over HTTP",
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

type server struct {
	store      *store.Store
	bus        *eventbus.Bus
	jobListKey string
	log        xlog.Logger
}

func run(c *cli.Context) error {
	log := xlog.Root()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("ca-api: load config: %w", err)
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
		return fmt.Errorf("ca-api: connect to redis: %w", err)
	}

	s := &server{
		store:      store.New(client),
		bus:        eventbus.New(client, cfg.Redis.StreamKey),
		jobListKey: cfg.Redis.JobListKey,
		log:        log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	router.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	router.HandleFunc("/job", s.handleGetJobs).Methods(http.MethodGet)
	router.HandleFunc("/job", s.handleSubmitJobs).Methods(http.MethodPost)
	router.HandleFunc("/challenge", s.handlePassChallenge).Methods(http.MethodPost)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", cfg.HTTP.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ca-api: %w", err)
	}
	log.Info("shutting down")
	return nil
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": version})
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 0)
	size := queryInt(r, "page_size", defaultPageSize)
	if size <= 0 {
		size = defaultPageSize
	}

	lo := int64(page * size)
	hi := int64((page + 1) * size)

	keys, err := s.store.ZRevRange(r.Context(), s.jobListKey, lo, hi)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	jobs, err := store.MGet[job.Csr](r.Context(), s.store, keys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
}

func (s *server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	aliases := splitAliases(r.URL.Query().Get("jobs"))
	if len(aliases) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ca-api: missing 'jobs' query parameter"))
		return
	}

	results := make([]job.Csr, 0, len(aliases))
	for _, a := range aliases {
		clientJob, err := store.Get[job.ClientJob](r.Context(), s.store, "alt:"+a)
		if err != nil {
			continue
		}
		csr, err := store.Get[job.Csr](r.Context(), s.store, csrKey(clientJob.Serial))
		if err != nil {
			continue
		}
		results = append(results, csr)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": results})
}

type submitRequest struct {
	ClientID uint64 `json:"client_id"`
	PEM      string `json:"pem"`
}

func (s *server) handleSubmitJobs(w http.ResponseWriter, r *http.Request) {
	var requests []submitRequest
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ca-api: decode request body: %w", err))
		return
	}

	type submitted struct {
		Alt string `json:"alt"`
	}
	results := make([]submitted, 0, len(requests))

	for _, req := range requests {
		if err := s.bus.Publish(r.Context(), job.NewCsr{ClientID: req.ClientID, PEM: req.PEM}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		results = append(results, submitted{Alt: alias.Of(req.ClientID, req.PEM)})
	}

	writeJSON(w, http.StatusOK, results)
}

type challengeRequest struct {
	Jobs []string `json:"jobs"`
}

func (s *server) handlePassChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ca-api: decode request body: %w", err))
		return
	}

	for _, a := range req.Jobs {
		clientJob, err := store.Get[job.ClientJob](r.Context(), s.store, "alt:"+a)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("ca-api: unknown job %q: %w", a, err))
			return
		}

		if err := s.bus.Publish(r.Context(), job.JobProgress{ID: clientJob.Serial, Status: job.JobStatus{Kind: job.StatusChallengePassed}}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func csrKey(serial uint64) string { return fmt.Sprintf("csr:%d", serial) }

func splitAliases(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '+' || r == ',' || r == ' ' })
	return fields
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}
