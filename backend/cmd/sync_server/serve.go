package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"readsync/backend/config"
	"readsync/backend/internal/cache"
	"readsync/backend/internal/collab"
	"readsync/backend/internal/heartbeat"
	"readsync/backend/internal/httpapi"
	"readsync/backend/internal/httpapi/handlers"
	"readsync/backend/internal/httpapi/middleware"
	"readsync/backend/internal/hub"
	"readsync/backend/internal/jobs"
	"readsync/backend/internal/store"
	"readsync/backend/internal/ws"
)

const (
	compactionSchedule = "@every 30s"
	retentionSchedule  = "@every 1h"
	shutdownTimeout    = 10 * time.Second
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "migrate the database before serving")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if migrate {
		if err := store.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	st := store.NewGormStore(db)

	presence := cache.PresenceCache(cache.NopPresence{})
	quota := heartbeat.QuotaGate(heartbeat.AllowAll{})
	if cfg.Redis.Addr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(cfg.Redis.Addr, ","),
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		presence = cache.NewRedisPresence(rdb)
		if cfg.Heartbeat.DailyPushQuota > 0 {
			quota = cache.NewRedisQuota(rdb, cfg.Heartbeat.DailyPushQuota)
		}
	} else {
		logrus.Warn("redis.addr not set, presence and push quota are disabled")
	}

	var dispatcher *collab.KafkaDispatcher
	indexer := heartbeat.Indexer(heartbeat.NopIndexer{})
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		opts := collab.DefaultKafkaDispatcherOptions()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(opts.Workers), opts)
		defer dispatcher.Close()
		if cfg.Kafka.IndexTopic != "" {
			indexer = heartbeat.NewKafkaIndexer(producer, cfg.Kafka.IndexTopic)
		}
	} else {
		logrus.Warn("kafka.brokers not set, update events and new notes are not published")
	}

	rt := cfg.Realtime
	sem := collab.NewSemaphoreControl(rt.MaxInflight)
	live := collab.NewEngine(st, hub.NewRegistry(rt.SendTimeout), sem, collab.Options{
		Policy:          collab.PolicyRejectStale,
		CompactEvery:    rt.CompactEvery,
		CompactInterval: rt.CompactInterval,
		SubmitTimeout:   rt.SubmitTimeout,
		Dispatcher:      dispatcher,
	})
	defer live.Close()
	audit := collab.NewEngine(st, hub.NewRegistry(rt.SendTimeout), sem, collab.Options{
		Policy:        collab.PolicyAuditApply,
		CompactEvery:  rt.AuditCompactEvery,
		SubmitTimeout: rt.SubmitTimeout,
		Dispatcher:    dispatcher,
	})
	defer audit.Close()

	hb := cfg.Heartbeat
	reconciler := heartbeat.NewService(st, indexer, quota, heartbeat.PathLocator{}, heartbeat.Options{
		MaxPendingNotes:      hb.MaxPendingNotes,
		MaxPendingHighlights: hb.MaxPendingHighlights,
		DrainLimit:           hb.DrainLimit,
		FastInterval:         hb.FastInterval,
		SteadyInterval:       hb.SteadyInterval,
	})

	tasks := jobs.NewTaskExecutor(
		jobs.NewCompactionSweep(compactionSchedule, live),
		jobs.NewSyncEventRetention(retentionSchedule, st, hb.EventRetention),
	)
	if err := tasks.Start(); err != nil {
		return err
	}
	defer tasks.Stop()

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Deps{
		Auth: middleware.AuthMiddleware(middleware.AuthOptions{
			JWTSecret:     cfg.Auth.JWTSecret,
			VerifyBaseURL: cfg.Auth.Path,
		}),
		Channels: ws.NewManager(live, audit, presence, ws.ManagerOptions{
			SendQueue:   rt.SendQueue,
			SendTimeout: rt.SendTimeout,
			PresenceTTL: rt.PresenceTTL,
		}),
		Heartbeat: handlers.NewHeartbeatHandler(reconciler),
		Documents: handlers.NewDocumentHandler(st, collab.LastWriteCompactor{}, presence),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("sync server listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
