package application

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

// CheckoutService 面向商户前台的用例：下单、取消、退款、查询
type CheckoutService struct {
	orders    domain.OrderRepository
	lifecycle *OrderLifecycle
	refunds   *RefundLifecycle
	gateway   port.PaymentGateway
	scheduler port.ReconcileScheduler // 可为 nil
	tracer    trace.Tracer
}

func NewCheckoutService(
	orders domain.OrderRepository,
	lifecycle *OrderLifecycle,
	refunds *RefundLifecycle,
	gateway port.PaymentGateway,
	scheduler port.ReconcileScheduler,
	tracer trace.Tracer,
) *CheckoutService {
	return &CheckoutService{
		orders: orders, lifecycle: lifecycle, refunds: refunds,
		gateway: gateway, scheduler: scheduler, tracer: tracer,
	}
}

// NativePay 为商品下单并返回支付二维码链接
func (s *CheckoutService) NativePay(ctx context.Context, productID int64) (*NativePayResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.NativePay", trace.WithAttributes(attribute.Int64("product.id", productID)))
	defer span.End()

	order, created, err := s.lifecycle.CreateOrder(ctx, productID, func(ctx context.Context, o *domain.Order) (string, error) {
		return s.gateway.CreateNativeOrder(ctx, port.NativeOrder{
			OrderNo:     o.OrderNo,
			Description: o.Title,
			Total:       o.TotalFee,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "native pay failed")
		return nil, err
	}

	if created && s.scheduler != nil {
		if err := s.scheduler.ScheduleOrderCheck(ctx, order.OrderNo, order.CreatedAt); err != nil {
			// 周期对账兜底
			logger.Ctx(ctx).Warn().Err(err).Str("order_no", order.OrderNo).Msg("schedule order check failed")
		}
	}
	return &NativePayResult{CodeURL: order.CodeURL, OrderNo: order.OrderNo}, nil
}

// CancelOrder 用户取消：先关闭网关订单，再 NOTPAY -> CANCEL。订单已推进时为空操作。
func (s *CheckoutService) CancelOrder(ctx context.Context, orderNo string) error {
	ctx, span := s.tracer.Start(ctx, "app.UserCancelOrder", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	order, err := s.orders.FindByOrderNo(ctx, orderNo)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if order.Status != domain.OrderNotPay {
		span.AddEvent("order already advanced, cancel ignored")
		return nil
	}
	if err := s.gateway.CloseOrder(ctx, orderNo); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway close failed")
		return err
	}
	_, err = s.lifecycle.Cancel(ctx, orderNo)
	return err
}

// Refund 申请退款，受理后安排一次延迟对账
func (s *CheckoutService) Refund(ctx context.Context, orderNo, reason string) (*RefundView, error) {
	refund, err := s.refunds.RequestRefund(ctx, orderNo, reason)
	if err != nil {
		return nil, err
	}
	if refund.Status == domain.RefundProcessing && s.scheduler != nil {
		if err := s.scheduler.ScheduleRefundCheck(ctx, refund.RefundNo, refund.CreatedAt); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("refund_no", refund.RefundNo).Msg("schedule refund check failed")
		}
	}
	return ToRefundView(refund), nil
}

// QueryOrder 透传网关查单应答
func (s *CheckoutService) QueryOrder(ctx context.Context, orderNo string) ([]byte, error) {
	return s.gateway.QueryOrder(ctx, orderNo)
}

// QueryRefund 透传网关退款查询应答
func (s *CheckoutService) QueryRefund(ctx context.Context, refundNo string) ([]byte, error) {
	return s.gateway.QueryRefund(ctx, refundNo)
}

// ListOrders 按创建时间倒序
func (s *CheckoutService) ListOrders(ctx context.Context) ([]*OrderView, error) {
	orders, err := s.orders.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, ToOrderView(o))
	}
	return views, nil
}

// OrderDetail 返回订单及其支付流水和退款单
func (s *CheckoutService) OrderDetail(ctx context.Context, orderNo string) (*OrderDetailView, error) {
	ctx, span := s.tracer.Start(ctx, "app.OrderDetail", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	order, err := s.orders.FindByOrderNo(ctx, orderNo)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	records, err := s.lifecycle.records.ListByOrderNo(ctx, orderNo)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	refunds, err := s.refunds.refunds.ListByOrderNo(ctx, orderNo)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return ToOrderDetailView(order, records, refunds), nil
}

func (s *CheckoutService) OrderStatus(ctx context.Context, orderNo string) (domain.OrderStatus, error) {
	order, err := s.orders.FindByOrderNo(ctx, orderNo)
	if err != nil {
		return "", err
	}
	return order.Status, nil
}
