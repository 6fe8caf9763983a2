package domain

import "time"

const PaymentTypeWxPay = "WXPAY"

// PaymentRecord 是支付成功的流水，每次 NOTPAY->SUCCESS 恰好写入一条，写入后不可变
type PaymentRecord struct {
	ID            int64
	OrderNo       string
	TransactionID string
	PaymentType   string
	TradeType     string
	TradeState    string
	PayerTotal    int64
	Content       string
	CreatedAt     time.Time
}
