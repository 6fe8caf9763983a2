// internal/service/payment/application/dto.go
package application

import (
	"time"

	"paynexus/internal/service/payment/domain"
)

// NativePayResult 是 Native 下单用例的输出
type NativePayResult struct {
	CodeURL string `json:"codeUrl"`
	OrderNo string `json:"orderNo"`
}

// OrderView 是订单列表中的一行
type OrderView struct {
	OrderNo     string    `json:"orderNo"`
	ProductID   int64     `json:"productId"`
	Title       string    `json:"title"`
	TotalFee    int64     `json:"totalFee"`
	CodeURL     string    `json:"codeUrl,omitempty"`
	OrderStatus string    `json:"orderStatus"`
	CreateTime  time.Time `json:"createTime"`
	UpdateTime  time.Time `json:"updateTime"`
}

func ToOrderView(o *domain.Order) *OrderView {
	return &OrderView{
		OrderNo:     o.OrderNo,
		ProductID:   o.ProductID,
		Title:       o.Title,
		TotalFee:    o.TotalFee,
		CodeURL:     o.CodeURL,
		OrderStatus: string(o.Status),
		CreateTime:  o.CreatedAt,
		UpdateTime:  o.UpdatedAt,
	}
}

// RefundView 是退款申请用例的输出
type RefundView struct {
	RefundNo     string `json:"refundNo"`
	OrderNo      string `json:"orderNo"`
	RefundID     string `json:"refundId,omitempty"`
	RefundAmount int64  `json:"refund"`
	TotalFee     int64  `json:"totalFee"`
	Reason       string `json:"reason"`
	Status       string `json:"refundStatus"`
}

func ToRefundView(r *domain.Refund) *RefundView {
	return &RefundView{
		RefundNo:     r.RefundNo,
		OrderNo:      r.OrderNo,
		RefundID:     r.RefundID,
		RefundAmount: r.RefundAmount,
		TotalFee:     r.TotalFee,
		Reason:       r.Reason,
		Status:       string(r.Status),
	}
}

// PaymentView 是一条支付流水
type PaymentView struct {
	TransactionID string    `json:"transactionId"`
	TradeType     string    `json:"tradeType"`
	TradeState    string    `json:"tradeState"`
	PayerTotal    int64     `json:"payerTotal"`
	CreateTime    time.Time `json:"createTime"`
}

// OrderDetailView 是订单详情：订单本身、支付流水和退款单
type OrderDetailView struct {
	*OrderView
	Payments []*PaymentView `json:"payments"`
	Refunds  []*RefundView  `json:"refunds"`
}

func ToOrderDetailView(o *domain.Order, records []*domain.PaymentRecord, refunds []*domain.Refund) *OrderDetailView {
	v := &OrderDetailView{
		OrderView: ToOrderView(o),
		Payments:  make([]*PaymentView, 0, len(records)),
		Refunds:   make([]*RefundView, 0, len(refunds)),
	}
	for _, r := range records {
		v.Payments = append(v.Payments, &PaymentView{
			TransactionID: r.TransactionID,
			TradeType:     r.TradeType,
			TradeState:    r.TradeState,
			PayerTotal:    r.PayerTotal,
			CreateTime:    r.CreatedAt,
		})
	}
	for _, r := range refunds {
		v.Refunds = append(v.Refunds, ToRefundView(r))
	}
	return v
}
