package port

import (
	"context"

	"paynexus/internal/service/payment/domain"
)

// NativeOrder 是 Native 下单请求
type NativeOrder struct {
	OrderNo     string
	Description string
	Total       int64
}

// RefundCommand 是申请退款请求
type RefundCommand struct {
	OrderNo  string
	RefundNo string
	Reason   string
	Refund   int64
	Total    int64
}

// PaymentGateway 是支付网关的出站端口。
// 所有方法在非 2xx 应答、传输错误或超时时返回 *domain.GatewayError。
// 查询类方法返回网关原始 JSON 应答，由应用层做结构化解析。
type PaymentGateway interface {
	CreateNativeOrder(ctx context.Context, req NativeOrder) (codeURL string, err error)
	QueryOrder(ctx context.Context, orderNo string) ([]byte, error)
	CloseOrder(ctx context.Context, orderNo string) error
	CreateRefund(ctx context.Context, req RefundCommand) ([]byte, error)
	QueryRefund(ctx context.Context, refundNo string) ([]byte, error)
	QueryBill(ctx context.Context, billDate string, billType domain.BillType) (downloadURL string, err error)
	DownloadBill(ctx context.Context, downloadURL string) ([]byte, error)
}
