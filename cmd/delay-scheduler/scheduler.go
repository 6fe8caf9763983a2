package main

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/mq"
)

const headerDelayTimestamp = "delay-timestamp"

// 投递到真实主题时不再携带的头，追踪头会按当前 span 重新注入
var droppedHeaders = map[string]bool{
	mq.HeaderRealTopic:   true,
	headerDelayTimestamp: true,
	"traceparent":        true,
	"tracestate":         true,
	"baggage":            true,
}

var tracer = otel.Tracer(serviceName)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Scheduler 负责一个延迟级别。同一级别内消息的延迟相同，队头未到期时后面的消息也不会到期，
// 所以只需等待队头。
type Scheduler struct {
	level     string
	delay     time.Duration
	reader    messageReader
	newWriter func(topic string) messageWriter
	writers   map[string]messageWriter // key: realTopic
	lock      sync.Mutex
	now       func() time.Time
}

func NewScheduler(level string, delay time.Duration, reader messageReader, newWriter func(topic string) messageWriter) *Scheduler {
	return &Scheduler{
		level:     level,
		delay:     delay,
		reader:    reader,
		newWriter: newWriter,
		writers:   make(map[string]messageWriter),
		now:       time.Now,
	}
}

// Run 阻塞到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	defer s.close()
	logger.Ctx(ctx).Info().Str("level", s.level).Dur("delay", s.delay).Msg("delay scheduler started")
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Ctx(ctx).Error().Err(err).Str("level", s.level).Msg("fetch failed, retrying")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if !sleep(ctx, s.dueAt(msg).Sub(s.now())) {
			return
		}
		// 投递失败时不提交，原地重试直到成功或退出
		for {
			err := s.deliver(ctx, msg)
			if err == nil {
				break
			}
			logger.Ctx(ctx).Error().Err(err).Str("level", s.level).Msg("deliver failed, retrying")
			if !sleep(ctx, time.Second) {
				return
			}
		}
	}
}

// dueAt 取消息进入延迟主题的时间加级别延迟；生产者给出更早的 delay-timestamp 时以其为准
func (s *Scheduler) dueAt(msg kafka.Message) time.Time {
	due := msg.Time.Add(s.delay)
	if v := mq.Header(msg.Headers, headerDelayTimestamp); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil && ts.Before(due) {
			return ts
		}
	}
	return due
}

func (s *Scheduler) deliver(parent context.Context, msg kafka.Message) error {
	ctx, span := tracer.Start(mq.ExtractTraceContext(parent, msg.Headers), "scheduler.Deliver", trace.WithAttributes(
		attribute.String("delay.level", s.level),
		attribute.String("msg.time", msg.Time.Format(time.DateTime)),
	))
	defer span.End()

	realTopic := mq.Header(msg.Headers, mq.HeaderRealTopic)
	if realTopic == "" {
		// 无法投递的消息也要提交，否则会一直阻塞在队头
		logger.Ctx(ctx).Error().Str("level", s.level).Msg("real-topic header missing, skipped")
		span.SetStatus(codes.Error, "missing real-topic")
		return s.commit(ctx, msg)
	}

	if err := s.publish(ctx, realTopic, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish to real topic")
		return err
	}
	span.AddEvent("published", trace.WithAttributes(attribute.String("real.topic", realTopic)))
	return s.commit(ctx, msg)
}

func (s *Scheduler) commit(ctx context.Context, msg kafka.Message) error {
	return errors.Wrapf(s.reader.CommitMessages(ctx, msg), "commit %s", s.level)
}

// publish 将消息投递到真实业务主题，保留业务头 (例如重试计数)
func (s *Scheduler) publish(ctx context.Context, realTopic string, msg kafka.Message) error {
	s.lock.Lock()
	writer, exists := s.writers[realTopic]
	if !exists {
		writer = s.newWriter(realTopic)
		s.writers[realTopic] = writer
	}
	s.lock.Unlock()

	out := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: forwardHeaders(msg.Headers)}
	mq.InjectTraceContext(ctx, &out.Headers)
	return errors.Wrapf(writer.WriteMessages(ctx, out), "publish to %s", realTopic)
}

func forwardHeaders(in []kafka.Header) []kafka.Header {
	out := make([]kafka.Header, 0, len(in))
	for _, h := range in {
		if !droppedHeaders[h.Key] {
			out = append(out, h)
		}
	}
	return out
}

func (s *Scheduler) close() {
	_ = s.reader.Close()
	s.lock.Lock()
	defer s.lock.Unlock()
	for topic, w := range s.writers {
		if err := w.Close(); err != nil {
			logger.Ctx(context.Background()).Error().Err(err).Str("topic", topic).Msg("failed to close writer")
		}
	}
}

// sleep 返回 false 表示 ctx 已结束
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
