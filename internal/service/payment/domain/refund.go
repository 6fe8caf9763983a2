package domain

import "time"

// Refund 是一笔退款申请
type Refund struct {
	ID            int64
	RefundNo      string
	OrderNo       string
	RefundID      string // 网关退款单号
	Reason        string
	RefundAmount  int64
	TotalFee      int64 // 申请时订单金额快照
	Status        RefundStatus
	ContentReturn string // 申请/查询接口的原始应答
	ContentNotify string // 退款回调的原始明文
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewRefund(o *Order, reason string, amount int64, now time.Time) *Refund {
	return &Refund{
		RefundNo:     NewRefundNo(now),
		OrderNo:      o.OrderNo,
		Reason:       reason,
		RefundAmount: amount,
		TotalFee:     o.TotalFee,
		Status:       RefundProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// RefundUpdate 是网关应答或回调带来的一次退款单更新
type RefundUpdate struct {
	Status        RefundStatus
	RefundID      string
	ContentReturn string
	ContentNotify string
}
