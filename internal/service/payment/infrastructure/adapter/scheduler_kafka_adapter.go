package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"paynexus/internal/pkg/mq"
	"paynexus/internal/service/payment/domain"
)

const (
	// ReconcileTopic 是对账任务的真实主题，由延迟调度器从延迟主题投递过来
	ReconcileTopic       = "payment-reconcile-check"
	headerDelayTimestamp = "delay-timestamp"
)

// SchedulerKafkaAdapter 实现了 port.ReconcileScheduler：把对账任务写入延迟主题，
// 延迟调度器到期后按 real-topic 头投递到 ReconcileTopic。
type SchedulerKafkaAdapter struct {
	delayWriter mq.MessageWriter
	delay       time.Duration
}

// NewSchedulerKafkaAdapter delay 需与延迟主题的级别一致
func NewSchedulerKafkaAdapter(delayWriter mq.MessageWriter, delay time.Duration) *SchedulerKafkaAdapter {
	return &SchedulerKafkaAdapter{delayWriter: delayWriter, delay: delay}
}

func (a *SchedulerKafkaAdapter) ScheduleOrderCheck(ctx context.Context, orderNo string, createdAt time.Time) error {
	return a.schedule(ctx, orderNo, domain.ReconcileCheckEvent{Kind: domain.CheckOrder, OrderNo: orderNo}, createdAt)
}

func (a *SchedulerKafkaAdapter) ScheduleRefundCheck(ctx context.Context, refundNo string, createdAt time.Time) error {
	return a.schedule(ctx, refundNo, domain.ReconcileCheckEvent{Kind: domain.CheckRefund, RefundNo: refundNo}, createdAt)
}

func (a *SchedulerKafkaAdapter) schedule(ctx context.Context, key string, event domain.ReconcileCheckEvent, createdAt time.Time) error {
	event.TraceID = trace.SpanFromContext(ctx).SpanContext().TraceID().String()
	event.ScheduledAt = createdAt.Add(a.delay)
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal reconcile check")
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: mq.HeaderRealTopic, Value: []byte(ReconcileTopic)},
			{Key: headerDelayTimestamp, Value: []byte(event.ScheduledAt.Format(time.RFC3339))},
		},
	}
	mq.InjectTraceContext(ctx, &msg.Headers)
	return a.delayWriter.WriteMessages(ctx, msg)
}
