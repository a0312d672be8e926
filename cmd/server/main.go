package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tower-duel-backend/internal/broadcast"
	"github.com/DoyleJ11/tower-duel-backend/internal/config"
	"github.com/DoyleJ11/tower-duel-backend/internal/dedupe"
	"github.com/DoyleJ11/tower-duel-backend/internal/engine"
	"github.com/DoyleJ11/tower-duel-backend/internal/httpapi"
	"github.com/DoyleJ11/tower-duel-backend/internal/hub"
	"github.com/DoyleJ11/tower-duel-backend/internal/relay"
	"github.com/DoyleJ11/tower-duel-backend/internal/round"
	"github.com/DoyleJ11/tower-duel-backend/internal/schedule"
	"github.com/DoyleJ11/tower-duel-backend/internal/store"
	"github.com/DoyleJ11/tower-duel-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := newLogger(cfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	defs := engine.DefaultCatalog()
	if cfg.CardsFile != "" {
		if defs, err = engine.LoadCatalog(cfg.CardsFile); err != nil {
			return err
		}
	}
	log.Info("card catalog loaded", zap.Int("kinds", len(defs)), zap.String("file", cfg.CardsFile))

	var bcOpts []broadcast.Option
	if cfg.MQTTBroker != "" {
		pub, disconnect, err := relay.Dial(relay.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: "tower-duel-" + hostname() + "-" + strconv.Itoa(os.Getpid()),
			Prefix:   cfg.MQTTTopicPrefix,
		}, log.Named("relay"))
		if err != nil {
			return err
		}
		defer disconnect()
		bcOpts = append(bcOpts, broadcast.WithMirror(pub))
	}

	var roundOpts []round.Option
	if cfg.RedisURL != "" {
		rdb, err := dedupe.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		roundOpts = append(roundOpts, round.WithClaimer(dedupe.NewRedis(rdb, "tower-duel:claims:", 24*time.Hour)))
	}

	h := hub.NewHub(ctx)
	reg := ws.NewRegistry(log.Named("ws"))
	defer reg.Close()
	bc := broadcast.New(h, reg, st, log.Named("broadcast"), bcOpts...)
	coord := round.New(st, h, bc, defs, cfg.Round(), log.Named("round"), roundOpts...)
	sched := schedule.New(ctx, st, h, coord, reg, clockwork.NewRealClock(), cfg.Schedule(), log.Named("schedule"))
	coord.SetScheduler(sched)

	wsHandler := ws.Handler(ws.Deps{
		Registry:            reg,
		Store:               st,
		Rounds:              coord,
		States:              bc,
		Scheduler:           sched,
		Log:                 log.Named("ws"),
		AllowClientEndRound: cfg.AllowClientEndRound,
		OriginPatterns:      cfg.OriginPatterns,
	})
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Matches: coord,
			Store:   st,
			WS:      wsHandler,
			Log:     log.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("db_driver", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.DBDriver == "memory" {
		return store.NewMemory(), func() {}, nil
	}
	g, err := store.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return g, func() { _ = g.Close() }, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return h
}
