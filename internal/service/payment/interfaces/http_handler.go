package interfaces

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/wechatpay"
	"paynexus/internal/service/payment/application"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/infrastructure/adapter"
)

// 回调报文上限
const maxNotifyBody = 1 << 20

// PaymentHandler 封装了 payment 服务的 HTTP 处理器
type PaymentHandler struct {
	checkout      *application.CheckoutService
	bills         *application.BillService
	notifications *application.NotificationProcessor
	reconciler    *application.Reconciler
	hub           *StatusHub
}

// NewPaymentHandler hub 可以为 nil，此时不注册 websocket 路由
func NewPaymentHandler(
	checkout *application.CheckoutService,
	bills *application.BillService,
	notifications *application.NotificationProcessor,
	reconciler *application.Reconciler,
	hub *StatusHub,
) *PaymentHandler {
	return &PaymentHandler{
		checkout:      checkout,
		bills:         bills,
		notifications: notifications,
		reconciler:    reconciler,
		hub:           hub,
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/wx-pay/native/{productId}", h.nativePay)
	mux.HandleFunc("POST /api/wx-pay/cancel/{orderNo}", h.cancel)
	mux.HandleFunc("POST /api/wx-pay/refunds/{orderNo}/{reason}", h.refund)
	mux.HandleFunc("GET /api/wx-pay/query/{orderNo}", h.queryOrder)
	mux.HandleFunc("GET /api/wx-pay/query-refund/{refundNo}", h.queryRefund)
	mux.HandleFunc("GET /api/wx-pay/querybill/{billDate}/{type}", h.queryBill)
	mux.HandleFunc("GET /api/wx-pay/downloadbill/{billDate}/{type}", h.downloadBill)
	mux.HandleFunc("POST /api/wx-pay/reconcile/{orderNo}", h.reconcile)
	mux.HandleFunc("GET /api/order-info/list", h.listOrders)
	mux.HandleFunc("GET /api/order-info/query-order-status/{orderNo}", h.orderStatus)
	mux.HandleFunc("GET /api/order-info/detail/{orderNo}", h.orderDetail)

	mux.HandleFunc("POST "+adapter.NotifyPayPath, h.paymentNotify)
	mux.HandleFunc("POST "+adapter.NotifyRefundPath, h.refundNotify)

	if h.hub != nil {
		mux.HandleFunc("GET /api/wx-pay/ws", h.hub.ServeWs)
	}
}

func extract(r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func (h *PaymentHandler) nativePay(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	productID, err := strconv.ParseInt(r.PathValue("productId"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &R{Code: codeFail, Message: "invalid productId"})
		return
	}
	res, err := h.checkout.NativePay(ctx, productID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("").With("codeUrl", res.CodeURL).With("orderNo", res.OrderNo))
}

func (h *PaymentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	if err := h.checkout.CancelOrder(ctx, r.PathValue("orderNo")); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("订单已取消"))
}

func (h *PaymentHandler) refund(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	view, err := h.checkout.Refund(ctx, r.PathValue("orderNo"), r.PathValue("reason"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("").With("refund", view))
}

func (h *PaymentHandler) queryOrder(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	raw, err := h.checkout.QueryOrder(ctx, r.PathValue("orderNo"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("查询成功").With("result", string(raw)))
}

func (h *PaymentHandler) queryRefund(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	raw, err := h.checkout.QueryRefund(ctx, r.PathValue("refundNo"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("查询成功").With("result", string(raw)))
}

func (h *PaymentHandler) queryBill(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	url, err := h.bills.QueryBill(ctx, r.PathValue("billDate"), r.PathValue("type"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("获取账单url成功").With("downloadUrl", url))
}

func (h *PaymentHandler) downloadBill(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	bill, err := h.bills.DownloadBill(ctx, r.PathValue("billDate"), r.PathValue("type"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("").With("result", string(bill)))
}

func (h *PaymentHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	outcome, err := h.reconciler.CheckOrder(ctx, r.PathValue("orderNo"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("").With("outcome", outcome))
}

func (h *PaymentHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	list, err := h.checkout.ListOrders(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("").With("list", list))
}

func (h *PaymentHandler) orderDetail(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	detail, err := h.checkout.OrderDetail(ctx, r.PathValue("orderNo"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("").With("order", detail))
}

// orderStatus 供支付页轮询
func (h *PaymentHandler) orderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	status, err := h.checkout.OrderStatus(ctx, r.PathValue("orderNo"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if status == domain.OrderSuccess {
		writeJSON(w, http.StatusOK, ok("支付成功"))
		return
	}
	writeJSON(w, http.StatusOK, &R{Code: codePaying, Message: "支付中......"})
}

func (h *PaymentHandler) paymentNotify(w http.ResponseWriter, r *http.Request) {
	h.notify(w, r, h.notifications.ProcessPayment)
}

func (h *PaymentHandler) refundNotify(w http.ResponseWriter, r *http.Request) {
	h.notify(w, r, h.notifications.ProcessRefund)
}

// notify 处理结果只通过状态码反馈给网关，失败由网关重投
func (h *PaymentHandler) notify(w http.ResponseWriter, r *http.Request, process func(context.Context, application.Notification) error) {
	ctx := extract(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBody))
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("read notification body")
		writeNotifyReply(w, err)
		return
	}
	err = process(ctx, application.Notification{Meta: wechatpay.MetadataFromHeader(r.Header), Body: body})
	writeNotifyReply(w, err)
}
