package application

import (
	"context"
	"time"

	"github.com/google/uuid"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.PaymentEvent) error { return nil }

// publishAfterCommit 发布失败不影响已提交的状态流转，只记录日志
func publishAfterCommit(ctx context.Context, p port.EventPublisher, event domain.PaymentEvent) {
	event.EventID = uuid.NewString()
	event.OccurredAt = time.Now()
	if err := p.Publish(ctx, event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("event_type", event.Type).
			Str("order_no", event.OrderNo).
			Msg("failed to publish payment event")
	}
}

func orderKey(orderNo string) string { return "order:" + orderNo }

func refundKey(refundNo string) string { return "refund:" + refundNo }
