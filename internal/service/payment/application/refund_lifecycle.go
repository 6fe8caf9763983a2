package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"paynexus/internal/pkg/lock"
	"paynexus/internal/pkg/logger"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

// RefundSource 标识退款更新来自哪里，决定原始报文写入哪个字段
type RefundSource int

const (
	SourceGatewayResponse RefundSource = iota // 申请/查询接口应答
	SourceNotification                        // 退款回调
)

// RefundLifecycle 独占退款单状态流转
type RefundLifecycle struct {
	refunds   domain.RefundRepository
	orders    *OrderLifecycle
	gateway   port.PaymentGateway
	policy    *RefundPolicy
	tx        domain.Transactor
	locker    lock.Locker
	publisher port.EventPublisher
	tracer    trace.Tracer
	now       func() time.Time
}

func NewRefundLifecycle(
	refunds domain.RefundRepository,
	orders *OrderLifecycle,
	gateway port.PaymentGateway,
	policy *RefundPolicy,
	tx domain.Transactor,
	locker lock.Locker,
	publisher port.EventPublisher,
	tracer trace.Tracer,
) *RefundLifecycle {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &RefundLifecycle{
		refunds: refunds, orders: orders, gateway: gateway, policy: policy,
		tx: tx, locker: locker, publisher: publisher, tracer: tracer, now: time.Now,
	}
}

// RequestRefund 申请退款：
//  1. 订单锁内 SUCCESS -> REFUND_PROCESSING 并写入 PROCESSING 退款单 (同一事务)
//  2. 释放锁后调用网关申请退款
//  3. 网关失败则补偿，删除退款单并把订单退回 SUCCESS；成功则按应答更新退款单
func (l *RefundLifecycle) RequestRefund(ctx context.Context, orderNo, reason string) (*domain.Refund, error) {
	ctx, span := l.tracer.Start(ctx, "app.RequestRefund", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	var refund *domain.Refund
	err := l.orders.MarkRefundProcessing(ctx, orderNo, func(ctx context.Context, order *domain.Order) error {
		amount, err := l.policy.Amount(order)
		if err != nil {
			return err
		}
		refund = domain.NewRefund(order, reason, amount, l.now())
		return l.refunds.Create(ctx, refund)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund rejected")
		return nil, err
	}
	span.SetAttributes(attribute.String("refund.no", refund.RefundNo))

	comp := &compensations{}
	comp.Add(func(ctx context.Context) error {
		// 加锁顺序与退款回调一致：先退款单，再订单
		release, err := l.locker.Acquire(ctx, refundKey(refund.RefundNo))
		if err != nil {
			return err
		}
		defer release()
		return l.orders.RevertRefundProcessing(ctx, orderNo, func(ctx context.Context) error {
			return l.refunds.Delete(ctx, refund.RefundNo)
		})
	})

	raw, err := l.gateway.CreateRefund(ctx, port.RefundCommand{
		OrderNo:  orderNo,
		RefundNo: refund.RefundNo,
		Reason:   reason,
		Refund:   refund.RefundAmount,
		Total:    refund.TotalFee,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway rejected refund")
		// 调用方的 ctx 可能已经超时，补偿使用独立 ctx 但保留链路
		compCtx, cancel := context.WithTimeout(trace.ContextWithSpanContext(context.Background(), span.SpanContext()), 10*time.Second)
		defer cancel()
		comp.Trigger(compCtx, refund.RefundNo)
		return nil, err
	}
	span.AddEvent("refund accepted by gateway")

	updated, err := l.UpdateFromGatewayResponse(ctx, raw, SourceGatewayResponse)
	if err != nil {
		// 网关已受理，本地更新失败交给回调或对账收敛，不做补偿
		logger.Ctx(ctx).Error().Err(err).Str("refund_no", refund.RefundNo).Msg("refund accepted but local update failed")
		return refund, nil
	}
	return updated, nil
}

// UpdateFromGatewayResponse 解析网关应答或回调明文，更新对应退款单，并驱动订单的退款结果流转。
// 已是终态的退款单不会被修改。
func (l *RefundLifecycle) UpdateFromGatewayResponse(ctx context.Context, raw []byte, source RefundSource) (*domain.Refund, error) {
	ctx, span := l.tracer.Start(ctx, "app.UpdateRefund")
	defer span.End()

	result, err := ParseRefundResult(raw)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	status, err := domain.ParseRefundStatus(result.State())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("refund.no", result.OutRefundNo),
		attribute.String("order.no", result.OutTradeNo),
		attribute.String("refund.status", string(status)),
	)

	release, err := l.locker.Acquire(ctx, refundKey(result.OutRefundNo))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	var refund *domain.Refund
	applied := false
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		found, err := l.refunds.FindByRefundNo(ctx, result.OutRefundNo)
		if err != nil {
			return err
		}
		refund = found
		if refund.OrderNo != result.OutTradeNo {
			return domain.Classify(domain.ErrMalformedPayload,
				errors.Errorf("refund %s belongs to %s, payload says %s", refund.RefundNo, refund.OrderNo, result.OutTradeNo))
		}
		if refund.Status.IsTerminal() {
			return nil
		}

		update := domain.RefundUpdate{Status: status, RefundID: result.RefundID}
		if source == SourceNotification {
			update.ContentNotify = string(raw)
		} else {
			update.ContentReturn = string(raw)
		}
		ok, err := l.refunds.UpdateFromGateway(ctx, refund.RefundNo, update)
		if err != nil || !ok {
			return err
		}
		applied = true
		refund.Status = status
		if update.RefundID != "" {
			refund.RefundID = update.RefundID
		}

		if outcome, terminal := status.OrderOutcome(); terminal {
			if _, err := l.orders.MarkRefundOutcome(ctx, refund.OrderNo, outcome); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund update failed")
		return nil, err
	}
	if !applied {
		span.AddEvent("refund already settled or unchanged")
		return refund, nil
	}

	logger.Ctx(ctx).Info().Str("refund_no", refund.RefundNo).Str("status", string(status)).Msg("refund updated")
	if status.IsTerminal() {
		publishAfterCommit(ctx, l.publisher, domain.PaymentEvent{
			Type:     domain.EventRefundPrefix + string(status),
			OrderNo:  refund.OrderNo,
			RefundNo: refund.RefundNo,
			Status:   string(status),
			Amount:   refund.RefundAmount,
		})
	}
	return refund, nil
}
