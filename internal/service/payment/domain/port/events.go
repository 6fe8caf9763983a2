package port

import (
	"context"
	"time"

	"paynexus/internal/service/payment/domain"
)

// EventPublisher 发布已提交的支付事件
type EventPublisher interface {
	Publish(ctx context.Context, event domain.PaymentEvent) error
}

// ReconcileScheduler 安排一次延迟的主动对账
type ReconcileScheduler interface {
	ScheduleOrderCheck(ctx context.Context, orderNo string, createdAt time.Time) error
	ScheduleRefundCheck(ctx context.Context, refundNo string, createdAt time.Time) error
}
