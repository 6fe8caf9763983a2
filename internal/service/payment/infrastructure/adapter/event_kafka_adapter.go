package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"paynexus/internal/pkg/mq"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

const (
	PaymentEventsTopic = "payment-events"
	headerEventType    = "event-type"
)

// EventKafkaAdapter 实现了 port.EventPublisher，事件以订单号为 key 写入 payment-events
type EventKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewEventKafkaAdapter(writer mq.MessageWriter) *EventKafkaAdapter {
	return &EventKafkaAdapter{writer: writer}
}

func (a *EventKafkaAdapter) Publish(ctx context.Context, event domain.PaymentEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal payment event")
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(event.OrderNo), value,
		kafka.Header{Key: headerEventType, Value: []byte(event.Type)})
}

// FanoutPublisher 依次发布到多个下游，单个失败不影响其他下游
type FanoutPublisher []port.EventPublisher

func (f FanoutPublisher) Publish(ctx context.Context, event domain.PaymentEvent) error {
	var first error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
