package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"paynexus/internal/pkg/logger"
)

const (
	HeaderRealTopic         = "real-topic"
	HeaderRetryCount        = "x-retry-count"
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// MessageWriter 是 *kafka.Writer 的最小抽象，便于测试
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// FailureHandler 处理消费失败的消息：先重投到重试主题，超过次数进入死信主题。
// 重投的消息带上 real-topic 头，重试 writer 指向延迟主题时由延迟调度器投递回原主题。
type FailureHandler struct {
	retryWriter MessageWriter
	dltWriter   MessageWriter
	maxRetries  int
}

func NewFailureHandler(retryWriter, dltWriter MessageWriter, maxRetries int) *FailureHandler {
	return &FailureHandler{retryWriter: retryWriter, dltWriter: dltWriter, maxRetries: maxRetries}
}

// Handle 不返回错误：消息要么被重投要么进入 DLT，失败时只记录日志
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	retries, _ := strconv.Atoi(Header(msg.Headers, HeaderRetryCount))

	headers := KafkaHeaderCarrier(append([]kafka.Header(nil), msg.Headers...))
	if headers.Get(HeaderOriginalTopic) == "" {
		headers.Set(HeaderOriginalTopic, msg.Topic)
		headers.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
		headers.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	}
	headers.Set(HeaderRealTopic, headers.Get(HeaderOriginalTopic))
	headers.Set(HeaderRetryCount, strconv.Itoa(retries+1))
	headers.Set(HeaderExceptionFqcn, fmt.Sprintf("%T", cause))
	headers.Set(HeaderExceptionMessage, cause.Error())

	out := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}

	target, writer := "retry", h.retryWriter
	if retries >= h.maxRetries || h.retryWriter == nil {
		target, writer = "dlt", h.dltWriter
	}
	if writer == nil {
		logger.Ctx(ctx).Error().Err(cause).Str("topic", msg.Topic).Msg("no failure writer configured, message dropped")
		return
	}
	if err := writer.WriteMessages(ctx, out); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("target", target).Str("topic", msg.Topic).Msg("failed to hand over failed message")
		return
	}
	logger.Ctx(ctx).Warn().Err(cause).Str("target", target).Int("retries", retries+1).Msg("message handed over after processing failure")
}
