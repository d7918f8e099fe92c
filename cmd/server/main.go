package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/ai"
	"github.com/suPer8Hu/ghostwriter/internal/chat"
	"github.com/suPer8Hu/ghostwriter/internal/config"
	"github.com/suPer8Hu/ghostwriter/internal/db"
	"github.com/suPer8Hu/ghostwriter/internal/dispatch"
	"github.com/suPer8Hu/ghostwriter/internal/httpapi"
	"github.com/suPer8Hu/ghostwriter/internal/httpapi/handlers"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/ratelimit"
	"github.com/suPer8Hu/ghostwriter/internal/realtime"
	"github.com/suPer8Hu/ghostwriter/internal/store/rabbitmq"
	"github.com/suPer8Hu/ghostwriter/internal/store/redisstore"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

func usesTransport(workflows map[string]config.Workflow, transport string) bool {
	for _, w := range workflows {
		if strings.EqualFold(strings.TrimSpace(w.Transport), transport) {
			return true
		}
	}
	return false
}

func main() {
	cfg := config.Load()
	log.SetLevel(cfg.LogLevel)
	logger := log.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN, &tasks.Task{}, &chat.Conversation{}, &chat.Message{})

	// Redis carries realtime events between instances and backs the rate
	// limiter. Without it both degrade to single-process behavior.
	var (
		broker  realtime.Broker
		limiter *ratelimit.Limiter
	)
	rdb, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	switch {
	case err != nil:
		logger.Fatalf("redis connect %s: %v", cfg.RedisAddr, err)
	case rdb == nil:
		logger.Warn("REDIS_ADDR not set: in-process realtime broker, rate limiting disabled")
		broker = realtime.NewMemoryBroker()
	default:
		defer rdb.Close()
		broker = realtime.NewRedisBroker(rdb, cfg.RealtimeChannel)
		limiter = ratelimit.New(rdb, cfg.RateLimitPerMinute)
	}

	mux := dispatch.NewMux()
	mux.Handle(config.TransportWebhook, dispatch.NewWebhook())
	if usesTransport(cfg.Workflows, config.TransportAMQP) {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Fatalf("rabbit publisher: %v", err)
		}
		defer pub.Close()
		mux.Handle(config.TransportAMQP, dispatch.NewQueue(pub))
	}

	registry := tasks.NewRegistry(cfg.Workflows)
	taskSvc := tasks.NewService(tasks.NewRepo(gdb), registry, mux, broker, cfg.DispatchTimeout)

	aiReg := ai.NewRegistryFromConfig(cfg)
	chatSvc := chat.NewService(chat.NewRepo(gdb), aiReg, chat.NewHTTPTaskCreator(cfg.InternalBaseURL), chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		FlushDelay:        cfg.RealtimeFlushDelay,
		DefaultProvider:   cfg.AIProvider,
		DefaultModel:      ai.DefaultModel(cfg, cfg.AIProvider),
	})

	h := handlers.NewHandler(taskSvc, chatSvc, realtime.NewHub(broker, nil))
	rc := httpapi.RouterConfig{JWTSecret: cfg.JWTSecret}
	if limiter != nil {
		rc.Limiter = limiter
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewHandler(h, rc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":         cfg.HTTPAddr,
			"task_types":   registry.Types(),
			"ai_providers": aiReg.Names(),
		}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// task starts POST back to this server, so drain them before closing it
	if err := chatSvc.Drain(shutdownCtx); err != nil {
		logger.WithError(err).Warn("chat task starts still pending")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	taskSvc.Wait()
}
