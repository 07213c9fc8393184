package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gudax/autobot/internal/config"
	"github.com/gudax/autobot/internal/eventbus"
	"github.com/gudax/autobot/internal/fanout"
	"github.com/gudax/autobot/internal/health"
	"github.com/gudax/autobot/internal/httpserver"
	"github.com/gudax/autobot/internal/logging"
	"github.com/gudax/autobot/internal/repository"
	"github.com/gudax/autobot/internal/scheduler"
	"github.com/gudax/autobot/internal/sessionpool"
	"github.com/gudax/autobot/internal/supervisor"
	"github.com/gudax/autobot/internal/upstream"
	"github.com/gudax/autobot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := repository.NewPool(ctx, cfg.DSN())
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		log.Fatal(err)
	}
	repo := repository.NewPostgres(pool)

	client := upstream.NewHTTPClient(cfg.APIBaseURL, cfg.MatchTradeBrokerID)
	bus := eventbus.New(logger)
	sessions := sessionpool.New(repo, client, v, cfg.SessionMaxRetryAttempts, logger)
	engine := fanout.New(sessions, repo, client, bus, logger)
	sup := supervisor.New(sessions, repo, client, engine, supervisor.DefaultPolicy, logger)

	sched := scheduler.New(sessions, sup, bus, scheduler.Config{
		RefreshInterval:    cfg.SessionRefreshInterval,
		SweepInterval:      cfg.SweepInterval,
		SupervisorInterval: cfg.SupervisorInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
	}, logger)

	healthHandler := health.NewHandler(pool, time.Now())
	wsHandler := eventbus.NewHandler(bus, cfg.WSOrigin, logger)
	handler := httpserver.NewHandler(sessions, engine, sup, repo, bus)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		Handler:       handler,
		HealthHandler: healthHandler,
		WSHandler:     wsHandler,
		InternalToken: cfg.InternalToken,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	sched.Start()
	log.Printf("server listening on %s", cfg.HTTPAddr)
	log.Printf("health endpoint: http://localhost%s/health", cfg.HTTPAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
