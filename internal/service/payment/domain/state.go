// internal/service/payment/domain/state.go
package domain

// OrderStatus 订单状态，取值与网关 trade_state 对齐
type OrderStatus string

const (
	OrderNotPay           OrderStatus = "NOTPAY"            // 未支付 (初始状态)
	OrderSuccess          OrderStatus = "SUCCESS"           // 支付成功
	OrderCancel           OrderStatus = "CANCEL"            // 用户取消
	OrderClosed           OrderStatus = "CLOSED"            // 超时关闭
	OrderRefundProcessing OrderStatus = "REFUND_PROCESSING" // 退款中
	OrderRefundSuccess    OrderStatus = "REFUND_SUCCESS"    // 已退款
	OrderRefundAbnormal   OrderStatus = "REFUND_ABNORMAL"   // 退款异常
)

// orderTransitions 列出所有允许的状态流转边。
// REFUND_PROCESSING -> SUCCESS 只用于网关未受理退款时的补偿。
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderNotPay:           {OrderSuccess, OrderCancel, OrderClosed},
	OrderSuccess:          {OrderRefundProcessing},
	OrderRefundProcessing: {OrderRefundSuccess, OrderRefundAbnormal, OrderSuccess},
}

// CanTransitTo 判断 s -> to 是否是合法的边
func (s OrderStatus) CanTransitTo(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition 不在流转表中的边返回 ErrInvalidTransition
func CheckTransition(orderNo string, from, to OrderStatus) error {
	if !from.CanTransitTo(to) {
		return Classify(ErrInvalidTransition, errorf("order %s: %s -> %s is not allowed", orderNo, from, to))
	}
	return nil
}

// IsTerminal 终态订单不会再发生任何流转
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// RefundStatus 退款单状态，取值与网关退款 status 对齐
type RefundStatus string

const (
	RefundProcessing RefundStatus = "PROCESSING"
	RefundSuccess    RefundStatus = "SUCCESS"
	RefundAbnormal   RefundStatus = "ABNORMAL"
	RefundClosed     RefundStatus = "CLOSED"
)

// ParseRefundStatus 把网关返回的状态串转成 RefundStatus
func ParseRefundStatus(s string) (RefundStatus, error) {
	switch st := RefundStatus(s); st {
	case RefundProcessing, RefundSuccess, RefundAbnormal, RefundClosed:
		return st, nil
	}
	return "", Classify(ErrMalformedPayload, errorf("unknown refund status %q", s))
}

func (s RefundStatus) IsTerminal() bool {
	return s == RefundSuccess || s == RefundAbnormal || s == RefundClosed
}

// OrderOutcome 退款终态对应的订单状态；处理中返回 false
func (s RefundStatus) OrderOutcome() (OrderStatus, bool) {
	switch s {
	case RefundSuccess:
		return OrderRefundSuccess, true
	case RefundAbnormal, RefundClosed:
		return OrderRefundAbnormal, true
	}
	return "", false
}
