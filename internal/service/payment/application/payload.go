package application

import (
	"encoding/json"

	"github.com/pkg/errors"

	"paynexus/internal/service/payment/domain"
)

// 网关 trade_state
const (
	TradeStateSuccess    = "SUCCESS"
	TradeStateNotPay     = "NOTPAY"
	TradeStateClosed     = "CLOSED"
	TradeStateRefund     = "REFUND"
	TradeStateUserPaying = "USERPAYING"
	TradeStatePayError   = "PAYERROR"
	TradeStateRevoked    = "REVOKED"
)

// Transaction 是支付回调解密后的明文，也是查单接口的应答
type Transaction struct {
	AppID          string             `json:"appid"`
	MchID          string             `json:"mchid"`
	OutTradeNo     string             `json:"out_trade_no"`
	TransactionID  string             `json:"transaction_id"`
	TradeType      string             `json:"trade_type"`
	TradeState     string             `json:"trade_state"`
	TradeStateDesc string             `json:"trade_state_desc"`
	BankType       string             `json:"bank_type"`
	Attach         string             `json:"attach"`
	SuccessTime    string             `json:"success_time"`
	Payer          *TransactionPayer  `json:"payer"`
	Amount         *TransactionAmount `json:"amount"`
}

type TransactionPayer struct {
	OpenID string `json:"openid"`
}

type TransactionAmount struct {
	Total         int64  `json:"total"`
	PayerTotal    int64  `json:"payer_total"`
	Currency      string `json:"currency"`
	PayerCurrency string `json:"payer_currency"`
}

// ParseTransaction 结构化解析交易明文，缺少必填字段时返回 ErrMalformedPayload
func ParseTransaction(raw []byte) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.Wrap(err, "decode transaction"))
	}
	switch {
	case tx.OutTradeNo == "":
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.New("transaction: missing out_trade_no"))
	case tx.TradeState == "":
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.Errorf("transaction %s: missing trade_state", tx.OutTradeNo))
	}
	if tx.TradeState == TradeStateSuccess {
		if tx.TransactionID == "" {
			return nil, domain.Classify(domain.ErrMalformedPayload, errors.Errorf("transaction %s: missing transaction_id", tx.OutTradeNo))
		}
		if tx.Amount == nil {
			return nil, domain.Classify(domain.ErrMalformedPayload, errors.Errorf("transaction %s: missing amount", tx.OutTradeNo))
		}
	}
	return &tx, nil
}

// CheckAmount 订单金额与交易金额不一致时返回 ErrAmountMismatch
func (t *Transaction) CheckAmount(order *domain.Order) error {
	var total int64
	if t.Amount != nil {
		total = t.Amount.Total
	}
	if t.Amount == nil || total != order.TotalFee {
		return domain.Classify(domain.ErrAmountMismatch,
			errors.Errorf("order %s: notified %d, recorded %d", order.OrderNo, total, order.TotalFee))
	}
	return nil
}

// PaymentRecord 把成功交易转成支付流水
func (t *Transaction) PaymentRecord(raw []byte) *domain.PaymentRecord {
	rec := &domain.PaymentRecord{
		OrderNo:       t.OutTradeNo,
		TransactionID: t.TransactionID,
		PaymentType:   domain.PaymentTypeWxPay,
		TradeType:     t.TradeType,
		TradeState:    t.TradeState,
		Content:       string(raw),
	}
	if t.Amount != nil {
		rec.PayerTotal = t.Amount.PayerTotal
	}
	return rec
}

// RefundResult 是申请退款/查询退款的应答，也是退款回调解密后的明文。
// 应答中状态字段为 status，回调中为 refund_status。
type RefundResult struct {
	RefundID      string        `json:"refund_id"`
	OutRefundNo   string        `json:"out_refund_no"`
	TransactionID string        `json:"transaction_id"`
	OutTradeNo    string        `json:"out_trade_no"`
	Channel       string        `json:"channel"`
	Status        string        `json:"status"`
	RefundStatus  string        `json:"refund_status"`
	SuccessTime   string        `json:"success_time"`
	CreateTime    string        `json:"create_time"`
	Amount        *RefundAmount `json:"amount"`
}

type RefundAmount struct {
	Total       int64  `json:"total"`
	Refund      int64  `json:"refund"`
	PayerTotal  int64  `json:"payer_total"`
	PayerRefund int64  `json:"payer_refund"`
	Currency    string `json:"currency"`
}

// State 返回退款状态，兼容应答与回调两种字段名
func (r *RefundResult) State() string {
	if r.Status != "" {
		return r.Status
	}
	return r.RefundStatus
}

func ParseRefundResult(raw []byte) (*RefundResult, error) {
	var r RefundResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.Wrap(err, "decode refund"))
	}
	switch {
	case r.OutRefundNo == "":
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.New("refund: missing out_refund_no"))
	case r.OutTradeNo == "":
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.Errorf("refund %s: missing out_trade_no", r.OutRefundNo))
	case r.State() == "":
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.Errorf("refund %s: missing status", r.OutRefundNo))
	}
	return &r, nil
}
