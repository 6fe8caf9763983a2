// internal/service/payment/domain/order.go
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Order 是订单聚合的根实体
type Order struct {
	ID        int64
	OrderNo   string
	ProductID int64
	Title     string
	TotalFee  int64 // 单位: 分
	CodeURL   string
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder 为商品创建一个待支付订单，尚未持久化
func NewOrder(p *Product, now time.Time) *Order {
	return &Order{
		OrderNo:   NewOrderNo(now),
		ProductID: p.ID,
		Title:     p.Title,
		TotalFee:  p.Price,
		Status:    OrderNotPay,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewOrderNo 生成订单号: ORDER_ + 秒级时间 + 8 位随机串
func NewOrderNo(now time.Time) string {
	return "ORDER_" + now.Format("20060102150405") + randomSuffix()
}

// NewRefundNo 生成退款单号
func NewRefundNo(now time.Time) string {
	return "REFUND_" + now.Format("20060102150405") + randomSuffix()
}

func randomSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// AssignCodeURL 设置支付二维码链接，只能设置一次
func (o *Order) AssignCodeURL(code string) error {
	if code == "" {
		return Classify(ErrMalformedPayload, errorf("order %s: empty code_url", o.OrderNo))
	}
	if o.CodeURL != "" && o.CodeURL != code {
		return Classify(ErrInvalidTransition, errorf("order %s: code_url already assigned", o.OrderNo))
	}
	o.CodeURL = code
	return nil
}
