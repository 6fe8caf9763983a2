package interfaces

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"paynexus/internal/pkg/lock"
	"paynexus/internal/pkg/wechatpay"
	"paynexus/internal/service/payment/application"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
	"paynexus/internal/service/payment/infrastructure"
)

const (
	apiV3Key   = "0123456789abcdef0123456789abcdef"
	platSerial = "PLAT-1"
)

var (
	platOnce sync.Once
	platKey  *rsa.PrivateKey
)

func platformKey() *rsa.PrivateKey {
	platOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		platKey = k
	})
	return platKey
}

// stubGateway 网关永远成功，queryErr 非空时查单失败
type stubGateway struct {
	mu       sync.Mutex
	queryErr error
}

func (g *stubGateway) failQueries(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryErr = err
}

func (g *stubGateway) CreateNativeOrder(_ context.Context, req port.NativeOrder) (string, error) {
	return "weixin://wxpay/bizpayurl?pr=" + req.OrderNo, nil
}

func (g *stubGateway) QueryOrder(_ context.Context, orderNo string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return []byte(`{"out_trade_no":"` + orderNo + `","trade_state":"NOTPAY"}`), nil
}

func (g *stubGateway) CloseOrder(context.Context, string) error { return nil }

func (g *stubGateway) CreateRefund(_ context.Context, req port.RefundCommand) ([]byte, error) {
	return []byte(`{"out_refund_no":"` + req.RefundNo + `","out_trade_no":"` + req.OrderNo + `","status":"PROCESSING"}`), nil
}

func (g *stubGateway) QueryRefund(context.Context, string) ([]byte, error) {
	return nil, &domain.GatewayError{Op: "query_refund", StatusCode: 404}
}

func (g *stubGateway) QueryBill(_ context.Context, billDate string, _ domain.BillType) (string, error) {
	return "https://api.mch.weixin.qq.com/v3/billdownload/file?token=" + billDate, nil
}

func (g *stubGateway) DownloadBill(context.Context, string) ([]byte, error) {
	return []byte("交易时间,公众账号ID\n"), nil
}

type server struct {
	*httptest.Server
	store     *infrastructure.MemoryStore
	gateway   *stubGateway
	decryptor *wechatpay.Decryptor
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := infrastructure.NewMemoryStore(domain.Product{ID: 7, Title: "大数据课程", Price: 100})
	tracer := noop.NewTracerProvider().Tracer("test")
	locker := lock.NewLocalLocker()
	gw := &stubGateway{}

	keys := wechatpay.NewKeyRegistry()
	keys.Add(platSerial, &platformKey().PublicKey)
	decryptor, err := wechatpay.NewDecryptor(apiV3Key)
	require.NoError(t, err)
	policy, err := application.NewRefundPolicy("")
	require.NoError(t, err)

	hub := NewStatusHub()
	orders := application.NewOrderLifecycle(store.Orders(), store.PaymentRecords(), store.Products(), store, locker, hub, tracer)
	refunds := application.NewRefundLifecycle(store.Refunds(), orders, gw, policy, store, locker, hub, tracer)
	handler := NewPaymentHandler(
		application.NewCheckoutService(store.Orders(), orders, refunds, gw, nil, tracer),
		application.NewBillService(gw, tracer),
		application.NewNotificationProcessor(wechatpay.NewVerifier(keys), decryptor, store.Orders(), orders, refunds, true, tracer),
		application.NewReconciler(store.Orders(), store.Refunds(), orders, refunds, gw, application.ReconcileConfig{VerifyAmount: true}, tracer),
		hub,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &server{Server: srv, store: store, gateway: gw, decryptor: decryptor}
}

func (s *server) do(t *testing.T, method, path string) (int, R) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body R
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// notify 发送一条加密并签名的支付回调
func (s *server) notify(t *testing.T, id string, plaintext []byte) (int, notifyReply) {
	t.Helper()
	res, err := s.decryptor.Seal(plaintext, "nonce-123456", "transaction")
	require.NoError(t, err)
	body, err := json.Marshal(wechatpay.Notification{
		ID:           id,
		CreateTime:   "2026-10-14T10:00:00+08:00",
		EventType:    wechatpay.EventTransactionSuccess,
		ResourceType: "encrypt-resource",
		Resource:     &res,
	})
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := wechatpay.NewSigner("", platSerial, platformKey()).Sign(wechatpay.SignedMessage(ts, "sig-nonce", body))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/wx-pay/native/notify", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wechatpay.HeaderSerial, platSerial)
	req.Header.Set(wechatpay.HeaderSignature, sig)
	req.Header.Set(wechatpay.HeaderTimestamp, ts)
	req.Header.Set(wechatpay.HeaderNonce, "sig-nonce")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var reply notifyReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return resp.StatusCode, reply
}

func paidTransaction(orderNo, transactionID string, total int64) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"out_trade_no":   orderNo,
		"transaction_id": transactionID,
		"trade_type":     "NATIVE",
		"trade_state":    "SUCCESS",
		"amount":         map[string]interface{}{"total": total, "payer_total": total, "currency": "CNY"},
	})
	return b
}

func (s *server) nativePay(t *testing.T) string {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/wx-pay/native/7")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, codeOK, body.Code)
	assert.NotEmpty(t, body.Data["codeUrl"])
	return body.Data["orderNo"].(string)
}

func TestNativePayThenNotify(t *testing.T) {
	s := newServer(t)
	orderNo := s.nativePay(t)

	_, body := s.do(t, http.MethodGet, "/api/order-info/query-order-status/"+orderNo)
	assert.Equal(t, codePaying, body.Code)

	status, reply := s.notify(t, "EV-1", paidTransaction(orderNo, "4200000001", 100))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SUCCESS", reply.Code)

	_, body = s.do(t, http.MethodGet, "/api/order-info/query-order-status/"+orderNo)
	assert.Equal(t, codeOK, body.Code)

	_, body = s.do(t, http.MethodGet, "/api/order-info/list")
	list := body.Data["list"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "SUCCESS", list[0].(map[string]interface{})["orderStatus"])

	_, body = s.do(t, http.MethodGet, "/api/order-info/detail/"+orderNo)
	detail := body.Data["order"].(map[string]interface{})
	assert.Equal(t, orderNo, detail["orderNo"])
	payments := detail["payments"].([]interface{})
	require.Len(t, payments, 1)
	assert.Equal(t, "4200000001", payments[0].(map[string]interface{})["transactionId"])
	assert.Empty(t, detail["refunds"])
}

func TestPaymentNotify_ConcurrentDuplicates(t *testing.T) {
	s := newServer(t)
	orderNo := s.nativePay(t)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i], _ = s.notify(t, "EV-DUP", paidTransaction(orderNo, "4200000002", 100))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	recs, err := s.store.PaymentRecords().ListByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPaymentNotify_Rejected(t *testing.T) {
	s := newServer(t)
	orderNo := s.nativePay(t)

	t.Run("amount mismatch", func(t *testing.T) {
		status, reply := s.notify(t, "EV-2", paidTransaction(orderNo, "4200000003", 1))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, "ERROR", reply.Code)
	})

	t.Run("unsigned", func(t *testing.T) {
		resp, err := http.Post(s.URL+"/api/wx-pay/native/notify", "application/json", strings.NewReader(`{"id":"EV-3"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	o, err := s.store.Orders().FindByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderNotPay, o.Status)
}

func TestErrorStatusMapping(t *testing.T) {
	s := newServer(t)
	orderNo := s.nativePay(t)

	tests := []struct {
		name   string
		method string
		path   string
		setup  func()
		want   int
	}{
		{name: "unknown product", method: http.MethodPost, path: "/api/wx-pay/native/999", want: http.StatusNotFound},
		{name: "bad product id", method: http.MethodPost, path: "/api/wx-pay/native/abc", want: http.StatusBadRequest},
		{name: "unknown order status", method: http.MethodGet, path: "/api/order-info/query-order-status/NOPE", want: http.StatusNotFound},
		{name: "refund unpaid order", method: http.MethodPost, path: "/api/wx-pay/refunds/" + orderNo + "/reason", want: http.StatusBadRequest},
		{name: "unsupported bill type", method: http.MethodGet, path: "/api/wx-pay/querybill/2026-10-13/weird", want: http.StatusBadRequest},
		{name: "bad bill date", method: http.MethodGet, path: "/api/wx-pay/downloadbill/13-10-2026/tradebill", want: http.StatusBadRequest},
		{
			name: "gateway failure", method: http.MethodGet, path: "/api/wx-pay/query/" + orderNo,
			setup: func() { s.gateway.failQueries(&domain.GatewayError{Op: "query_order", StatusCode: 503}) },
			want:  http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			status, body := s.do(t, tt.method, tt.path)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, codeFail, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestBillsAndManualReconcile(t *testing.T) {
	s := newServer(t)
	orderNo := s.nativePay(t)

	status, body := s.do(t, http.MethodGet, "/api/wx-pay/querybill/2026-10-13/tradebill")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body.Data["downloadUrl"], "2026-10-13")

	status, body = s.do(t, http.MethodGet, "/api/wx-pay/downloadbill/2026-10-13/fundflowbill")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body.Data["result"], "交易时间")

	status, body = s.do(t, http.MethodPost, "/api/wx-pay/reconcile/"+orderNo)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(application.OutcomePending), body.Data["outcome"])
}
