package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alimasry/go-collab-relay/api"
	"github.com/alimasry/go-collab-relay/auth"
	"github.com/alimasry/go-collab-relay/config"
	"github.com/alimasry/go-collab-relay/logging"
	"github.com/alimasry/go-collab-relay/logstore"
	"github.com/alimasry/go-collab-relay/logstore/memlog"
	"github.com/alimasry/go-collab-relay/logstore/redislog"
	"github.com/alimasry/go-collab-relay/server"
	"github.com/alimasry/go-collab-relay/subscriber"
	"github.com/alimasry/go-collab-relay/supervisor"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	role := flag.String("role", "", "process role: server, worker or all (overrides config)")
	flag.Parse()

	if err := run(*addr, *role); err != nil && !errors.Is(err, context.Canceled) {
		log := logging.Logger()
		log.Fatal().Err(err).Msg("relay stopped")
	}
}

func run(addr, role string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if role != "" {
		cfg.Server.Role = role
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	ls, err := openLogStore(ctx, cfg.Redis)
	if err != nil {
		st.Close()
		return fmt.Errorf("open log store: %w", err)
	}
	client := api.NewClient(st, ls, api.Config{
		Prefix:             cfg.Redis.Prefix,
		TaskDebounce:       cfg.Worker.TaskDebounce,
		MinMessageLifetime: cfg.Worker.MinMessageLifetime,
		TryClaimCount:      cfg.Worker.TryClaimCount,
		IdlePause:          cfg.Worker.IdlePause,
	})
	defer client.Close()

	sup := supervisor.New("yrelay", logging.Component("supervisor"), supervisor.Config{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	if cfg.Server.Role == config.RoleServer || cfg.Server.Role == config.RoleAll {
		authn, err := auth.NewAuthenticator([]byte(cfg.Auth.PublicKeyPEM), cfg.Auth.PermCallbackURL, nil)
		if err != nil {
			return err
		}
		sub := subscriber.New(client)
		srv := server.New(client, sub, authn.Check, server.Options{
			MaxMessageSize: cfg.Server.MaxMessageSize,
		})
		httpServer := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.NewHandler(srv),
			ReadHeaderTimeout: 10 * time.Second,
		}
		sup.Add(sub)
		sup.Add(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout, srv.Shutdown))
		log.Info().Str("addr", cfg.Server.Addr).Msg("serving connections")
	}
	if cfg.Server.Role == config.RoleWorker || cfg.Server.Role == config.RoleAll {
		sup.Add(api.NewWorker(client, api.WorkerOpts{TryClaimCount: cfg.Worker.TryClaimCount}))
		log.Info().Str("consumer", client.Consumer()).Msg("compacting streams")
	}

	return sup.Serve(ctx)
}

func openLogStore(ctx context.Context, cfg config.RedisConfig) (logstore.Store, error) {
	opts := redislog.Options{Prefix: cfg.Prefix, ReadCount: cfg.ReadCount, ReadBlock: cfg.ReadBlock}
	if cfg.URL == "" {
		log := logging.Component("main")
		log.Warn().Msg("no redis url configured, using the in-process log")
		return memlog.New(memlog.Options{ReadCount: cfg.ReadCount, ReadBlock: cfg.ReadBlock}), nil
	}
	return redislog.Open(ctx, cfg.URL, opts)
}
