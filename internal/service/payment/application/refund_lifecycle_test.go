package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

func TestRequestRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("unpaid order is rejected without writing a refund", func(t *testing.T) {
		h := newHarness(t)
		o := h.seedOrder(t, "", 7, domain.OrderNotPay, time.Now())

		_, err := h.checkout.Refund(ctx, o.OrderNo, "不想要了")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Equal(t, domain.OrderNotPay, h.order(t, o.OrderNo).Status)
		assert.Empty(t, h.refundRows(t, o.OrderNo))
	})

	t.Run("accepted refund stays processing", func(t *testing.T) {
		h := newHarness(t)
		o := h.seedOrder(t, "", 7, domain.OrderSuccess, time.Now())

		var sent port.RefundCommand
		h.gateway.createRefund = func(_ context.Context, req port.RefundCommand) ([]byte, error) {
			sent = req
			return refundJSON(req.RefundNo, req.OrderNo, "status", "PROCESSING"), nil
		}
		view, err := h.checkout.Refund(ctx, o.OrderNo, "不想要了")
		require.NoError(t, err)
		assert.Equal(t, string(domain.RefundProcessing), view.Status)
		assert.Equal(t, o.OrderNo, sent.OrderNo)
		assert.Equal(t, int64(100), sent.Refund)
		assert.Equal(t, int64(100), sent.Total)

		assert.Equal(t, domain.OrderRefundProcessing, h.order(t, o.OrderNo).Status)
		rows := h.refundRows(t, o.OrderNo)
		require.Len(t, rows, 1)
		assert.NotEmpty(t, rows[0].ContentReturn)
		assert.Equal(t, "50000000382019052709732678859", rows[0].RefundID)
		assert.Equal(t, int32(1), h.scheduler.refunds)
	})

	t.Run("second refund while one is processing", func(t *testing.T) {
		h := newHarness(t)
		o := h.seedOrder(t, "", 7, domain.OrderSuccess, time.Now())
		_, err := h.checkout.Refund(ctx, o.OrderNo, "first")
		require.NoError(t, err)

		_, err = h.checkout.Refund(ctx, o.OrderNo, "second")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Len(t, h.refundRows(t, o.OrderNo), 1)
	})

	t.Run("gateway rejection is compensated", func(t *testing.T) {
		h := newHarness(t)
		o := h.seedOrder(t, "", 7, domain.OrderSuccess, time.Now())
		var refundNo string
		h.gateway.createRefund = func(_ context.Context, req port.RefundCommand) ([]byte, error) {
			refundNo = req.RefundNo
			return nil, &domain.GatewayError{Op: "create_refund", StatusCode: 403, Body: "NOT_ENOUGH"}
		}

		_, err := h.checkout.Refund(ctx, o.OrderNo, "不想要了")
		assert.ErrorIs(t, err, domain.ErrGatewayCallFailure)
		assert.Equal(t, domain.OrderSuccess, h.order(t, o.OrderNo).Status)
		assert.Empty(t, h.refundRows(t, o.OrderNo))
		assert.Zero(t, h.scheduler.refunds)

		// 补偿和退款回调一样先锁退款单再锁订单
		assert.Equal(t, []string{orderKey(o.OrderNo), refundKey(refundNo), orderKey(o.OrderNo)}, h.locks.acquired())
	})

	t.Run("synchronous success settles the order", func(t *testing.T) {
		h := newHarness(t)
		o := h.seedOrder(t, "", 7, domain.OrderSuccess, time.Now())
		h.gateway.createRefund = func(_ context.Context, req port.RefundCommand) ([]byte, error) {
			return refundJSON(req.RefundNo, req.OrderNo, "status", "SUCCESS"), nil
		}
		view, err := h.checkout.Refund(ctx, o.OrderNo, "不想要了")
		require.NoError(t, err)
		assert.Equal(t, string(domain.RefundSuccess), view.Status)
		assert.Equal(t, domain.OrderRefundSuccess, h.order(t, o.OrderNo).Status)
		assert.Contains(t, h.publisher.types(), domain.EventRefundPrefix+string(domain.RefundSuccess))
	})

	t.Run("policy refusal writes nothing", func(t *testing.T) {
		h := newHarness(t, withRefundExpr("0"))
		o := h.seedOrder(t, "", 7, domain.OrderSuccess, time.Now())
		_, err := h.checkout.Refund(ctx, o.OrderNo, "late")
		assert.ErrorIs(t, err, domain.ErrRefundNotAllowed)
		assert.Equal(t, domain.OrderSuccess, h.order(t, o.OrderNo).Status)
		assert.Empty(t, h.refundRows(t, o.OrderNo))
	})
}

func TestUpdateFromGatewayResponse(t *testing.T) {
	ctx := context.Background()

	processing := func(t *testing.T, h *harness) (*domain.Order, *domain.Refund) {
		t.Helper()
		o := h.seedOrder(t, "", 7, domain.OrderSuccess, time.Now())
		view, err := h.checkout.Refund(ctx, o.OrderNo, "不想要了")
		require.NoError(t, err)
		rf, err := h.store.Refunds().FindByRefundNo(ctx, view.RefundNo)
		require.NoError(t, err)
		return o, rf
	}

	tests := []struct {
		name       string
		status     string
		wantRefund domain.RefundStatus
		wantOrder  domain.OrderStatus
	}{
		{"success", "SUCCESS", domain.RefundSuccess, domain.OrderRefundSuccess},
		{"abnormal", "ABNORMAL", domain.RefundAbnormal, domain.OrderRefundAbnormal},
		{"closed", "CLOSED", domain.RefundClosed, domain.OrderRefundAbnormal},
		{"still processing", "PROCESSING", domain.RefundProcessing, domain.OrderRefundProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			o, rf := processing(t, h)

			got, err := h.refunds.UpdateFromGatewayResponse(ctx, refundJSON(rf.RefundNo, o.OrderNo, "refund_status", tt.status), SourceNotification)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRefund, got.Status)
			assert.Equal(t, tt.wantOrder, h.order(t, o.OrderNo).Status)
		})
	}

	t.Run("terminal refund ignores later updates", func(t *testing.T) {
		h := newHarness(t)
		o, rf := processing(t, h)
		_, err := h.refunds.UpdateFromGatewayResponse(ctx, refundJSON(rf.RefundNo, o.OrderNo, "refund_status", "SUCCESS"), SourceNotification)
		require.NoError(t, err)
		events := len(h.publisher.types())

		got, err := h.refunds.UpdateFromGatewayResponse(ctx, refundJSON(rf.RefundNo, o.OrderNo, "refund_status", "ABNORMAL"), SourceNotification)
		require.NoError(t, err)
		assert.Equal(t, domain.RefundSuccess, got.Status)
		assert.Equal(t, domain.OrderRefundSuccess, h.order(t, o.OrderNo).Status)
		assert.Len(t, h.publisher.types(), events)
	})

	t.Run("order mismatch is malformed", func(t *testing.T) {
		h := newHarness(t)
		_, rf := processing(t, h)
		_, err := h.refunds.UpdateFromGatewayResponse(ctx, refundJSON(rf.RefundNo, "ORDER_OTHER", "status", "SUCCESS"), SourceGatewayResponse)
		assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	})

	t.Run("unknown status", func(t *testing.T) {
		h := newHarness(t)
		o, rf := processing(t, h)
		_, err := h.refunds.UpdateFromGatewayResponse(ctx, refundJSON(rf.RefundNo, o.OrderNo, "status", "WHATEVER"), SourceGatewayResponse)
		assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	})

	t.Run("unknown refund", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.refunds.UpdateFromGatewayResponse(ctx, refundJSON("REFUND_NOPE", "ORDER_NOPE", "status", "SUCCESS"), SourceGatewayResponse)
		assert.ErrorIs(t, err, domain.ErrRefundNotFound)
	})
}
