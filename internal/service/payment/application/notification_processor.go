package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/metrics"
	"paynexus/internal/pkg/wechatpay"
	"paynexus/internal/service/payment/domain"
)

// SignatureVerifier 校验回调签名
type SignatureVerifier interface {
	Verify(meta wechatpay.Metadata, body []byte) error
}

// EnvelopeDecryptor 解密回调中的加密资源
type EnvelopeDecryptor interface {
	Decrypt(r wechatpay.Resource) ([]byte, error)
}

// Notification 是一次原样接收的网关回调
type Notification struct {
	Meta wechatpay.Metadata
	Body []byte
}

// NotificationProcessor 串起 验签 -> 解密 -> 结构化解析 -> 幂等流转。
// 同一回调可以被任意次、并发、乱序地投递，只有第一次命中预期前置状态的投递会产生状态变化。
type NotificationProcessor struct {
	verifier     SignatureVerifier
	decryptor    EnvelopeDecryptor
	orders       domain.OrderRepository
	lifecycle    *OrderLifecycle
	refunds      *RefundLifecycle
	verifyAmount bool
	tracer       trace.Tracer
}

func NewNotificationProcessor(
	verifier SignatureVerifier,
	decryptor EnvelopeDecryptor,
	orders domain.OrderRepository,
	lifecycle *OrderLifecycle,
	refunds *RefundLifecycle,
	verifyAmount bool,
	tracer trace.Tracer,
) *NotificationProcessor {
	return &NotificationProcessor{
		verifier: verifier, decryptor: decryptor, orders: orders,
		lifecycle: lifecycle, refunds: refunds, verifyAmount: verifyAmount, tracer: tracer,
	}
}

// ProcessPayment 处理支付结果回调。重复投递返回 nil。
func (p *NotificationProcessor) ProcessPayment(ctx context.Context, n Notification) error {
	ctx, span := p.tracer.Start(ctx, "app.ProcessPaymentNotification", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	err := p.processPayment(ctx, span, n)
	p.finish(ctx, span, "payment", n, err)
	return err
}

func (p *NotificationProcessor) processPayment(ctx context.Context, span trace.Span, n Notification) error {
	plain, err := p.open(ctx, span, n)
	if err != nil {
		return err
	}
	tx, err := ParseTransaction(plain)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("order.no", tx.OutTradeNo), attribute.String("trade.state", tx.TradeState))

	if tx.TradeState != TradeStateSuccess {
		span.AddEvent("non-success trade state acknowledged")
		return nil
	}

	if p.verifyAmount {
		order, err := p.orders.FindByOrderNo(ctx, tx.OutTradeNo)
		if err != nil {
			return err
		}
		if err := tx.CheckAmount(order); err != nil {
			return err
		}
	}

	applied, err := p.lifecycle.MarkPaid(ctx, tx.OutTradeNo, tx.PaymentRecord(plain))
	if err != nil {
		return err
	}
	if !applied {
		logger.Ctx(ctx).Debug().Str("order_no", tx.OutTradeNo).Msg("duplicate payment notification")
	}
	return nil
}

// ProcessRefund 处理退款结果回调
func (p *NotificationProcessor) ProcessRefund(ctx context.Context, n Notification) error {
	ctx, span := p.tracer.Start(ctx, "app.ProcessRefundNotification", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	plain, err := p.open(ctx, span, n)
	if err == nil {
		_, err = p.refunds.UpdateFromGatewayResponse(ctx, plain, SourceNotification)
	}
	p.finish(ctx, span, "refund", n, err)
	return err
}

// open 验签、解析外层报文并解密资源
func (p *NotificationProcessor) open(ctx context.Context, span trace.Span, n Notification) ([]byte, error) {
	if err := p.verifier.Verify(n.Meta, n.Body); err != nil {
		if errors.Is(err, wechatpay.ErrStaleTimestamp) {
			return nil, domain.Classify(domain.ErrVerificationFailure, err, domain.ErrStaleNotification)
		}
		return nil, domain.Classify(domain.ErrVerificationFailure, err)
	}
	span.AddEvent("signature verified")

	envelope, err := wechatpay.ParseNotification(n.Body)
	if err != nil {
		return nil, domain.Classify(domain.ErrMalformedPayload, err)
	}
	span.SetAttributes(
		attribute.String("notification.id", envelope.ID),
		attribute.String("notification.event_type", envelope.EventType),
	)

	plain, err := p.decryptor.Decrypt(*envelope.Resource)
	if err != nil {
		return nil, domain.Classify(domain.ErrDecryptionFailure, errors.Wrapf(err, "notification %s", envelope.ID))
	}
	return plain, nil
}

func (p *NotificationProcessor) finish(ctx context.Context, span trace.Span, kind string, n Notification, err error) {
	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(kind, "ok").Inc()
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "notification rejected")

	result := "error"
	ev := logger.Ctx(ctx).Error()
	switch {
	case errors.Is(err, domain.ErrVerificationFailure):
		result = "unverified"
		ev = logger.Ctx(ctx).Warn()
	case errors.Is(err, domain.ErrDecryptionFailure):
		// 验签通过却解密失败，说明密钥或数据有问题
		result = "undecryptable"
	case errors.Is(err, domain.ErrAmountMismatch):
		result = "amount_mismatch"
	case errors.Is(err, domain.ErrMalformedPayload):
		result = "malformed"
	}
	metrics.NotificationsTotal.WithLabelValues(kind, result).Inc()

	id := n.Meta.RequestID
	if envelope, perr := wechatpay.ParseNotification(n.Body); perr == nil {
		id = envelope.ID
	}
	ev.Err(err).Str("kind", kind).Str("notification_id", id).Str("request_id", n.Meta.RequestID).Msg("notification rejected")
}
