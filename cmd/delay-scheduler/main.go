// cmd/delay-scheduler/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/mq"
	"paynexus/internal/pkg/tracing"
)

const serviceName = "delay-scheduler"

// 支持的延迟级别和对应的主题
var delayLevels = map[string]time.Duration{
	"delay_topic_5s":  5 * time.Second,
	"delay_topic_1m":  1 * time.Minute,
	"delay_topic_5m":  5 * time.Minute,
	"delay_topic_10m": 10 * time.Minute,
}

func main() {
	logger.Init(serviceName, getEnv("LOG_LEVEL", "info"))
	brokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")

	tp, err := tracing.InitTracerProvider(serviceName, getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for level, delay := range delayLevels {
		reader := mq.NewKafkaReader(brokers, level, serviceName+"-group-"+level)
		scheduler := NewScheduler(level, delay, reader, func(topic string) messageWriter {
			return mq.NewKafkaWriter(brokers, topic)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(ctx)
		}()
	}

	log.Info().Int("levels", len(delayLevels)).Msg("all delay schedulers are running")
	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("delay scheduler stopped")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
