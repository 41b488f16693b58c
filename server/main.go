package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"skillsync/internal/api"
	"skillsync/internal/config"
	"skillsync/internal/discovery"
	"skillsync/internal/hub"
	"skillsync/internal/logging"
	"skillsync/internal/store"
)

// Version is set via -ldflags at build time.
var Version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:    "skillsync-server",
		Usage:   "Document API and cursor relay for skill documents",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "skillsync.toml", EnvVars: []string{"SKILLSYNC_CONFIG"}, Usage: "Config file"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			log, err := logging.New(cfg.Logging, os.Stderr)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// server bundles everything a running instance owns.
type server struct {
	store store.Store
	relay hub.Relay
	hub   *hub.Hub
	http  *http.Server
	log   *slog.Logger
}

// newServer opens storage and the fan-out backend and wires the routes.
func newServer(ctx context.Context, cfg config.Config, log *slog.Logger) (*server, error) {
	st, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	log.Info("store ready", "dsn", redactDSN(cfg.Store.DSN))

	relay, registry, err := newFanout(ctx, cfg.Redis, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	h := hub.New(relay, registry, nil, log)
	handlers := api.New(api.Options{
		Store:            st,
		WS:               h.ServeWS,
		MaxDocumentBytes: cfg.Server.MaxDocumentBytes,
		Logger:           log,
	})
	return &server{
		store: st,
		relay: relay,
		hub:   h,
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handlers.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}, nil
}

// newFanout uses Redis when configured so that several server processes
// share rooms. Otherwise rooms live in this process only.
func newFanout(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (hub.Relay, hub.Registry, error) {
	if cfg.Addr == "" {
		log.Info("using in-process fan-out")
		return hub.NewLocalRelay(), hub.NewLocalRegistry(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("could not connect to Redis at %s: %w", cfg.Addr, err)
	}
	log.Info("connected to Redis", "addr", cfg.Addr)
	return hub.NewRedisRelay(rdb, log), hub.NewRedisRegistry(rdb), nil
}

// serve runs the hub and the HTTP server on ln until ctx is cancelled, then
// drains connections.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(hubCtx)
	}()

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", ln.Addr().String())
		errc <- s.http.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	stopHub()
	<-hubDone

	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return serveErr
}

func (s *server) close() {
	if err := s.relay.Close(); err != nil {
		s.log.Warn("failed to close relay", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("failed to close store", "error", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	s, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	if cfg.Server.Announce {
		instance := cfg.Server.Instance
		if instance == "" {
			instance, _ = os.Hostname()
		}
		port := ln.Addr().(*net.TCPAddr).Port
		a, err := discovery.Announce(instance, port, Version)
		if err != nil {
			log.Warn("mDNS announce failed", "error", err)
		} else {
			log.Info("announced over mDNS", "instance", instance, "port", port)
			defer a.Shutdown()
		}
	}

	log.Info("skillsync server starting", "version", Version)
	return s.serve(ctx, ln)
}

// redactDSN drops credentials from a connection string before it is logged.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
