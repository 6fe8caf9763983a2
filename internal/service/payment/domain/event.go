package domain

import "time"

// 支付事件类型
const (
	EventOrderPaid      = "payment.order.paid"
	EventOrderClosed    = "payment.order.closed"
	EventOrderCancelled = "payment.order.cancelled"
	EventRefundPrefix   = "payment.refund."
)

// PaymentEvent 在状态流转提交之后对外发布
type PaymentEvent struct {
	EventID    string    `json:"eventId"`
	Type       string    `json:"type"`
	OrderNo    string    `json:"orderNo"`
	RefundNo   string    `json:"refundNo,omitempty"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// 对账任务类型
const (
	CheckOrder  = "order"
	CheckRefund = "refund"
)

// ReconcileCheckEvent 是经延迟主题投递的主动对账任务
type ReconcileCheckEvent struct {
	TraceID     string    `json:"traceId"`
	Kind        string    `json:"kind"`
	OrderNo     string    `json:"orderNo,omitempty"`
	RefundNo    string    `json:"refundNo,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
}
