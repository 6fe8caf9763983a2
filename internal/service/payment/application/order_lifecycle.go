package application

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"paynexus/internal/pkg/lock"
	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/metrics"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

// CodeAssigner 为一个尚未拿到二维码的订单向网关申请 code_url
type CodeAssigner func(ctx context.Context, order *domain.Order) (string, error)

// OrderLifecycle 独占订单状态流转。
// 每次流转都在订单级锁内完成 "读-校验-写"，写操作本身是 WHERE order_status = ? 的条件更新，
// 锁只覆盖本地读写，不覆盖任何网关调用。
type OrderLifecycle struct {
	orders    domain.OrderRepository
	records   domain.PaymentRecordRepository
	products  domain.ProductRepository
	tx        domain.Transactor
	locker    lock.Locker
	publisher port.EventPublisher
	tracer    trace.Tracer

	checkout singleflight.Group
	now      func() time.Time
}

func NewOrderLifecycle(
	orders domain.OrderRepository,
	records domain.PaymentRecordRepository,
	products domain.ProductRepository,
	tx domain.Transactor,
	locker lock.Locker,
	publisher port.EventPublisher,
	tracer trace.Tracer,
) *OrderLifecycle {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &OrderLifecycle{
		orders: orders, records: records, products: products,
		tx: tx, locker: locker, publisher: publisher, tracer: tracer,
		now: time.Now,
	}
}

// CreateOrder 返回商品可复用的订单，否则新建一个 NOTPAY 订单。
// 新订单只有在 assign 成功拿到 code_url 之后才落库，网关失败时本地不留任何数据。
// 同一进程内同一商品的并发请求合并为一次执行，返回同一个订单，created 对合并的调用方相同。
func (l *OrderLifecycle) CreateOrder(ctx context.Context, productID int64, assign CodeAssigner) (*domain.Order, bool, error) {
	ctx, span := l.tracer.Start(ctx, "app.CreateOrder", trace.WithAttributes(attribute.Int64("product.id", productID)))
	defer span.End()

	type result struct {
		order   *domain.Order
		created bool
	}
	sfCtx := context.WithoutCancel(ctx)
	v, err, shared := l.checkout.Do(strconv.FormatInt(productID, 10), func() (interface{}, error) {
		order, created, err := l.createOrder(sfCtx, productID, assign)
		return result{order, created}, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create order failed")
		return nil, false, err
	}
	res := v.(result)
	span.SetAttributes(attribute.String("order.no", res.order.OrderNo), attribute.Bool("singleflight.shared", shared))
	return res.order, res.created, nil
}

func (l *OrderLifecycle) createOrder(ctx context.Context, productID int64, assign CodeAssigner) (*domain.Order, bool, error) {
	product, err := l.products.FindByID(ctx, productID)
	if err != nil {
		return nil, false, err
	}

	existing, err := l.orders.FindReusable(ctx, productID)
	switch {
	case err == nil:
		if existing.CodeURL != "" || existing.Status != domain.OrderNotPay {
			logger.Ctx(ctx).Info().Str("order_no", existing.OrderNo).Msg("reusing existing order")
			return existing, false, nil
		}
		// 历史遗留的无二维码订单，补申请一次
		code, err := assign(ctx, existing)
		if err != nil {
			return nil, false, err
		}
		if _, err := l.orders.SaveCodeURL(ctx, existing.OrderNo, code); err != nil {
			return nil, false, err
		}
		order, err := l.orders.FindByOrderNo(ctx, existing.OrderNo)
		return order, false, err
	case !errors.Is(err, domain.ErrOrderNotFound):
		return nil, false, err
	}

	order := domain.NewOrder(product, l.now())
	code, err := assign(ctx, order)
	if err != nil {
		return nil, false, err
	}
	if err := order.AssignCodeURL(code); err != nil {
		return nil, false, err
	}
	if err := l.orders.Create(ctx, order); err != nil {
		return nil, false, errors.Wrapf(err, "create order %s", order.OrderNo)
	}
	logger.Ctx(ctx).Info().Str("order_no", order.OrderNo).Int64("product_id", productID).Msg("order created")
	return order, true, nil
}

// MarkPaid NOTPAY -> SUCCESS，并在同一事务内写入一条支付流水。
// 当前状态不是 NOTPAY 时为幂等空操作，返回 applied=false。
func (l *OrderLifecycle) MarkPaid(ctx context.Context, orderNo string, record *domain.PaymentRecord) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "app.MarkPaid", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	if err := domain.CheckTransition(orderNo, domain.OrderNotPay, domain.OrderSuccess); err != nil {
		span.RecordError(err)
		return false, err
	}

	release, err := l.locker.Acquire(ctx, orderKey(orderNo))
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	defer release()

	applied := false
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := l.orders.CompareAndSetStatus(ctx, orderNo, domain.OrderNotPay, domain.OrderSuccess)
		if err != nil {
			return err
		}
		if !ok {
			return l.ensureExists(ctx, orderNo)
		}
		record.OrderNo = orderNo
		if record.CreatedAt.IsZero() {
			record.CreatedAt = l.now()
		}
		if err := l.records.Create(ctx, record); err != nil {
			return errors.Wrapf(err, "record payment for %s", orderNo)
		}
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark paid failed")
		return false, err
	}

	if !applied {
		span.AddEvent("order already advanced, duplicate ignored")
		return false, nil
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(domain.OrderSuccess)).Inc()
	logger.Ctx(ctx).Info().Str("order_no", orderNo).Str("transaction_id", record.TransactionID).Msg("order paid")
	publishAfterCommit(ctx, l.publisher, domain.PaymentEvent{
		Type: domain.EventOrderPaid, OrderNo: orderNo, Status: string(domain.OrderSuccess), Amount: record.PayerTotal,
	})
	return true, nil
}

// Cancel NOTPAY -> CANCEL，其他状态为空操作
func (l *OrderLifecycle) Cancel(ctx context.Context, orderNo string) (bool, error) {
	return l.transit(ctx, "app.CancelOrder", orderNo, domain.OrderNotPay, domain.OrderCancel, domain.EventOrderCancelled)
}

// Close NOTPAY -> CLOSED，其他状态为空操作
func (l *OrderLifecycle) Close(ctx context.Context, orderNo string) (bool, error) {
	return l.transit(ctx, "app.CloseOrder", orderNo, domain.OrderNotPay, domain.OrderClosed, domain.EventOrderClosed)
}

// MarkRefundOutcome REFUND_PROCESSING -> REFUND_SUCCESS | REFUND_ABNORMAL，其他状态为空操作
func (l *OrderLifecycle) MarkRefundOutcome(ctx context.Context, orderNo string, outcome domain.OrderStatus) (bool, error) {
	if outcome != domain.OrderRefundSuccess && outcome != domain.OrderRefundAbnormal {
		return false, domain.Classify(domain.ErrInvalidTransition, errors.Errorf("%s is not a refund outcome", outcome))
	}
	return l.transit(ctx, "app.MarkRefundOutcome", orderNo, domain.OrderRefundProcessing, outcome, "")
}

func (l *OrderLifecycle) transit(ctx context.Context, spanName, orderNo string, from, to domain.OrderStatus, eventType string) (bool, error) {
	ctx, span := l.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("order.no", orderNo),
		attribute.String("order.to", string(to)),
	))
	defer span.End()

	if err := domain.CheckTransition(orderNo, from, to); err != nil {
		span.RecordError(err)
		return false, err
	}

	release, err := l.locker.Acquire(ctx, orderKey(orderNo))
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	defer release()

	applied := false
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := l.orders.CompareAndSetStatus(ctx, orderNo, from, to)
		if err != nil {
			return err
		}
		if !ok {
			return l.ensureExists(ctx, orderNo)
		}
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return false, err
	}
	if !applied {
		span.AddEvent("no-op, order not in expected status")
		return false, nil
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	logger.Ctx(ctx).Info().Str("order_no", orderNo).Str("from", string(from)).Str("to", string(to)).Msg("order status changed")
	if eventType != "" {
		publishAfterCommit(ctx, l.publisher, domain.PaymentEvent{Type: eventType, OrderNo: orderNo, Status: string(to)})
	}
	return true, nil
}

// MarkRefundProcessing SUCCESS -> REFUND_PROCESSING，不是 SUCCESS 时返回 ErrInvalidTransition。
// within 在同一事务内执行 (用于写入退款单)，返回错误时状态一并回滚。
func (l *OrderLifecycle) MarkRefundProcessing(ctx context.Context, orderNo string, within func(ctx context.Context, order *domain.Order) error) error {
	ctx, span := l.tracer.Start(ctx, "app.MarkRefundProcessing", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	release, err := l.locker.Acquire(ctx, orderKey(orderNo))
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer release()

	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		order, err := l.orders.FindByOrderNo(ctx, orderNo)
		if err != nil {
			return err
		}
		if err := domain.CheckTransition(orderNo, order.Status, domain.OrderRefundProcessing); err != nil {
			return err
		}
		ok, err := l.orders.CompareAndSetStatus(ctx, orderNo, domain.OrderSuccess, domain.OrderRefundProcessing)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Classify(domain.ErrInvalidTransition, errors.Errorf("order %s changed concurrently", orderNo))
		}
		order.Status = domain.OrderRefundProcessing
		if within != nil {
			return within(ctx, order)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark refund processing failed")
		return err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(domain.OrderRefundProcessing)).Inc()
	return nil
}

// RevertRefundProcessing 是 MarkRefundProcessing 的补偿：网关未受理退款时把订单退回 SUCCESS
func (l *OrderLifecycle) RevertRefundProcessing(ctx context.Context, orderNo string, within func(ctx context.Context) error) error {
	ctx, span := l.tracer.Start(ctx, "app.RevertRefundProcessing (Compensation)", trace.WithAttributes(attribute.String("order.no", orderNo)))
	defer span.End()

	if err := domain.CheckTransition(orderNo, domain.OrderRefundProcessing, domain.OrderSuccess); err != nil {
		span.RecordError(err)
		return err
	}

	release, err := l.locker.Acquire(ctx, orderKey(orderNo))
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer release()

	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := l.orders.CompareAndSetStatus(ctx, orderNo, domain.OrderRefundProcessing, domain.OrderSuccess)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("order %s is no longer %s", orderNo, domain.OrderRefundProcessing)
		}
		if within != nil {
			return within(ctx)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compensation failed")
		return err
	}
	span.AddEvent("order rolled back to SUCCESS")
	return nil
}

func (l *OrderLifecycle) ensureExists(ctx context.Context, orderNo string) error {
	_, err := l.orders.FindByOrderNo(ctx, orderNo)
	return err
}
