package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/ai"
	"github.com/suPer8Hu/ghostwriter/internal/chat"
	"github.com/suPer8Hu/ghostwriter/internal/config"
	"github.com/suPer8Hu/ghostwriter/internal/db"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/realtime"
	"github.com/suPer8Hu/ghostwriter/internal/store/rabbitmq"
	"github.com/suPer8Hu/ghostwriter/internal/store/redisstore"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
	"github.com/suPer8Hu/ghostwriter/internal/worker"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	log.SetLevel(cfg.LogLevel)
	logger := log.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN, &tasks.Task{}, &chat.Conversation{}, &chat.Message{})

	// progress reaches browsers only through Redis; without it rows are
	// still updated and clients catch up by polling
	var notifier tasks.ChangeNotifier
	rdb, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatalf("redis connect %s: %v", cfg.RedisAddr, err)
	}
	if rdb != nil {
		defer rdb.Close()
		notifier = realtime.NewRedisBroker(rdb, cfg.RealtimeChannel)
	} else {
		logger.Warn("REDIS_ADDR not set: task changes will not be published")
	}

	registry := tasks.NewRegistry(cfg.Workflows)
	// the worker never creates tasks, so it has no dispatcher
	taskSvc := tasks.NewService(tasks.NewRepo(gdb), registry, nil, notifier, cfg.DispatchTimeout)
	chatSvc := chat.NewService(chat.NewRepo(gdb), ai.NewRegistryFromConfig(cfg), nil, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		DefaultProvider:   cfg.AIProvider,
		DefaultModel:      ai.DefaultModel(cfg, cfg.AIProvider),
	})
	proc := worker.NewProcessor(taskSvc, chatSvc, registry)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logger.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatalf("consume: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": concurrency,
	}).Info("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				entry := logger.WithFields(logrus.Fields{
					"worker":     workerID,
					"message_id": d.MessageId,
				})

				start := time.Now()
				if err := proc.Handle(ctx, d.Body); err != nil {
					// the task row already records the failure; park the
					// delivery in the DLQ for inspection
					entry.WithError(err).WithField("cost", time.Since(start)).Warn("job failed")
					if errors.Is(err, worker.ErrBadMessage) {
						entry.Warn("malformed delivery")
					}
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					entry.WithError(err).Error("ack failed")
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
