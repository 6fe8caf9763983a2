package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/metrics"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

// ReconcileOutcome 是一次主动对账的结果
type ReconcileOutcome string

const (
	OutcomeSettled ReconcileOutcome = "settled" // 本地已推进，不需要对账
	OutcomePaid    ReconcileOutcome = "paid"
	OutcomeClosed  ReconcileOutcome = "closed"
	OutcomeRefund  ReconcileOutcome = "refund_updated"
	OutcomePending ReconcileOutcome = "pending" // 远端仍在处理中

	OutcomeAmountMismatch ReconcileOutcome = "amount_mismatch" // 远端已支付但金额不符，不推进
)

type ReconcileConfig struct {
	Interval      time.Duration
	OrderTimeout  time.Duration // 超过该时长仍未支付的订单会被关闭
	RefundTimeout time.Duration
	Concurrency   int
	BatchSize     int
	VerifyAmount  bool // 与回调相同的金额校验
}

func (c ReconcileConfig) withDefaults() ReconcileConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 5 * time.Minute
	}
	if c.RefundTimeout <= 0 {
		c.RefundTimeout = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Reconciler 主动向网关查询权威状态，并复用回调处理所用的同一套流转函数。
// 和回调并发执行时结果可交换：谁先到谁生效，后到的为空操作。
type Reconciler struct {
	orders    domain.OrderRepository
	refunds   domain.RefundRepository
	lifecycle *OrderLifecycle
	refundLc  *RefundLifecycle
	gateway   port.PaymentGateway
	cfg       ReconcileConfig
	tracer    trace.Tracer

	inflight singleflight.Group
	now      func() time.Time
}

func NewReconciler(
	orders domain.OrderRepository,
	refunds domain.RefundRepository,
	lifecycle *OrderLifecycle,
	refundLc *RefundLifecycle,
	gateway port.PaymentGateway,
	cfg ReconcileConfig,
	tracer trace.Tracer,
) *Reconciler {
	return &Reconciler{
		orders: orders, refunds: refunds, lifecycle: lifecycle, refundLc: refundLc,
		gateway: gateway, cfg: cfg.withDefaults(), tracer: tracer, now: time.Now,
	}
}

// CheckOrder 对单个订单对账。同一订单的并发对账合并为一次网关查询，
// 合并后的调用不受发起者取消的影响，耗时由网关超时限制。
func (r *Reconciler) CheckOrder(ctx context.Context, orderNo string) (ReconcileOutcome, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.inflight.Do(orderKey(orderNo), func() (interface{}, error) {
		return r.checkOrder(shared, orderNo)
	})
	outcome, _ := v.(ReconcileOutcome)
	r.record(domain.CheckOrder, outcome, err)
	return outcome, err
}

func (r *Reconciler) checkOrder(ctx context.Context, orderNo string) (ReconcileOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "app.ReconcileOrder", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	order, err := r.orders.FindByOrderNo(ctx, orderNo)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if order.Status != domain.OrderNotPay {
		span.AddEvent("local order already advanced")
		return OutcomeSettled, nil
	}

	raw, err := r.gateway.QueryOrder(ctx, orderNo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query order failed")
		return "", err
	}
	tx, err := ParseTransaction(raw)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("trade.state", tx.TradeState))

	switch tx.TradeState {
	case TradeStateSuccess:
		if r.cfg.VerifyAmount {
			if err := tx.CheckAmount(order); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "amount mismatch")
				logger.Ctx(ctx).Error().Err(err).Str("order_no", orderNo).Str("transaction_id", tx.TransactionID).
					Msg("remote payment amount does not match order, not marking paid")
				return OutcomeAmountMismatch, nil
			}
		}
		applied, err := r.lifecycle.MarkPaid(ctx, orderNo, tx.PaymentRecord(raw))
		if err != nil {
			return "", err
		}
		if !applied {
			return OutcomeSettled, nil
		}
		logger.Ctx(ctx).Warn().Str("order_no", orderNo).Msg("payment recovered by reconciliation")
		return OutcomePaid, nil

	case TradeStateNotPay:
		if r.now().Sub(order.CreatedAt) < r.cfg.OrderTimeout {
			return OutcomePending, nil
		}
		if err := r.gateway.CloseOrder(ctx, orderNo); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "close order failed")
			return "", err
		}
		return r.closeLocal(ctx, orderNo)

	case TradeStateClosed:
		// 远端已关单，不需要再调用网关
		return r.closeLocal(ctx, orderNo)
	}
	return OutcomePending, nil
}

func (r *Reconciler) closeLocal(ctx context.Context, orderNo string) (ReconcileOutcome, error) {
	applied, err := r.lifecycle.Close(ctx, orderNo)
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeSettled, nil
	}
	logger.Ctx(ctx).Info().Str("order_no", orderNo).Msg("expired order closed")
	return OutcomeClosed, nil
}

// CheckRefund 对单个退款单对账
func (r *Reconciler) CheckRefund(ctx context.Context, refundNo string) (ReconcileOutcome, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.inflight.Do(refundKey(refundNo), func() (interface{}, error) {
		return r.checkRefund(shared, refundNo)
	})
	outcome, _ := v.(ReconcileOutcome)
	r.record(domain.CheckRefund, outcome, err)
	return outcome, err
}

func (r *Reconciler) checkRefund(ctx context.Context, refundNo string) (ReconcileOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "app.ReconcileRefund", trace.WithAttributes(attribute.String("refund.no", refundNo)))
	defer span.End()

	refund, err := r.refunds.FindByRefundNo(ctx, refundNo)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if refund.Status.IsTerminal() {
		return OutcomeSettled, nil
	}

	raw, err := r.gateway.QueryRefund(ctx, refundNo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query refund failed")
		return "", err
	}
	updated, err := r.refundLc.UpdateFromGatewayResponse(ctx, raw, SourceGatewayResponse)
	if err != nil {
		return "", err
	}
	if !updated.Status.IsTerminal() {
		return OutcomePending, nil
	}
	return OutcomeRefund, nil
}

// Sweep 扫描超时未支付的订单和处理中的退款，并发度由 Concurrency 限制。
// 单个对象失败只记录日志，不影响其他对象。
func (r *Reconciler) Sweep(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "app.ReconcileSweep")
	defer span.End()

	now := r.now()
	orders, err := r.orders.ListByStatusBefore(ctx, domain.OrderNotPay, now.Add(-r.cfg.OrderTimeout), r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "list expired orders")
	}
	refunds, err := r.refunds.ListProcessingBefore(ctx, now.Add(-r.cfg.RefundTimeout), r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "list processing refunds")
	}
	span.SetAttributes(attribute.Int("sweep.orders", len(orders)), attribute.Int("sweep.refunds", len(refunds)))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, o := range orders {
		orderNo := o.OrderNo
		g.Go(func() error {
			if _, err := r.CheckOrder(ctx, orderNo); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("order_no", orderNo).Msg("reconcile order failed")
			}
			return nil
		})
	}
	for _, rf := range refunds {
		refundNo := rf.RefundNo
		g.Go(func() error {
			if _, err := r.CheckRefund(ctx, refundNo); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("refund_no", refundNo).Msg("reconcile refund failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// Run 按 Interval 周期执行 Sweep，直到 ctx 结束
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	logger.Ctx(ctx).Info().Dur("interval", r.cfg.Interval).Msg("reconcile sweep started")
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("reconcile sweep stopped")
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("reconcile sweep failed")
			}
		}
	}
}

func (r *Reconciler) record(subject string, outcome ReconcileOutcome, err error) {
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	metrics.ReconcileTotal.WithLabelValues(subject, label).Inc()
}
