package application

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"paynexus/internal/pkg/lock"
	"paynexus/internal/pkg/wechatpay"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
	"paynexus/internal/service/payment/infrastructure"
)

const (
	testAPIv3Key   = "0123456789abcdef0123456789abcdef"
	testPlatSerial = "PLAT-SERIAL-1"
)

var (
	keyOnce     sync.Once
	platformKey *rsa.PrivateKey
)

func testPlatformKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		platformKey = k
	})
	return platformKey
}

// fakeGateway 默认全部成功，用函数字段覆盖个别行为
type fakeGateway struct {
	createNative func(ctx context.Context, req port.NativeOrder) (string, error)
	queryOrder   func(ctx context.Context, orderNo string) ([]byte, error)
	closeOrder   func(ctx context.Context, orderNo string) error
	createRefund func(ctx context.Context, req port.RefundCommand) ([]byte, error)
	queryRefund  func(ctx context.Context, refundNo string) ([]byte, error)

	nativeCalls int32
	closeCalls  int32
}

func (g *fakeGateway) CreateNativeOrder(ctx context.Context, req port.NativeOrder) (string, error) {
	atomic.AddInt32(&g.nativeCalls, 1)
	if g.createNative != nil {
		return g.createNative(ctx, req)
	}
	return "weixin://wxpay/bizpayurl?pr=" + req.OrderNo, nil
}

func (g *fakeGateway) QueryOrder(ctx context.Context, orderNo string) ([]byte, error) {
	if g.queryOrder != nil {
		return g.queryOrder(ctx, orderNo)
	}
	return []byte(`{"out_trade_no":"` + orderNo + `","trade_state":"NOTPAY"}`), nil
}

func (g *fakeGateway) CloseOrder(ctx context.Context, orderNo string) error {
	atomic.AddInt32(&g.closeCalls, 1)
	if g.closeOrder != nil {
		return g.closeOrder(ctx, orderNo)
	}
	return nil
}

func (g *fakeGateway) CreateRefund(ctx context.Context, req port.RefundCommand) ([]byte, error) {
	if g.createRefund != nil {
		return g.createRefund(ctx, req)
	}
	return refundJSON(req.RefundNo, req.OrderNo, "status", "PROCESSING"), nil
}

func (g *fakeGateway) QueryRefund(ctx context.Context, refundNo string) ([]byte, error) {
	if g.queryRefund != nil {
		return g.queryRefund(ctx, refundNo)
	}
	return nil, &domain.GatewayError{Op: "query_refund", StatusCode: 404, Body: "RESOURCE_NOT_EXISTS"}
}

func (g *fakeGateway) QueryBill(_ context.Context, billDate string, billType domain.BillType) (string, error) {
	return "https://api.mch.weixin.qq.com/v3/billdownload/file?token=" + string(billType) + billDate, nil
}

func (g *fakeGateway) DownloadBill(_ context.Context, url string) ([]byte, error) {
	return []byte("交易时间,公众账号ID\n" + url), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type recordingScheduler struct {
	orders  int32
	refunds int32
}

func (s *recordingScheduler) ScheduleOrderCheck(context.Context, string, time.Time) error {
	atomic.AddInt32(&s.orders, 1)
	return nil
}

func (s *recordingScheduler) ScheduleRefundCheck(context.Context, string, time.Time) error {
	atomic.AddInt32(&s.refunds, 1)
	return nil
}

// recordingLocker 记录加锁顺序
type recordingLocker struct {
	lock.Locker

	mu   sync.Mutex
	keys []string
}

func (l *recordingLocker) Acquire(ctx context.Context, key string) (lock.Release, error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return l.Locker.Acquire(ctx, key)
}

func (l *recordingLocker) acquired() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

type harness struct {
	store     *infrastructure.MemoryStore
	locks     *recordingLocker
	gateway   *fakeGateway
	publisher *recordingPublisher
	scheduler *recordingScheduler
	decryptor *wechatpay.Decryptor

	orders     *OrderLifecycle
	refunds    *RefundLifecycle
	processor  *NotificationProcessor
	reconciler *Reconciler
	checkout   *CheckoutService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	verifyAmount bool
	refundExpr   string
}

func withAmountCheck() harnessOption { return func(c *harnessConfig) { c.verifyAmount = true } }

func withRefundExpr(expr string) harnessOption { return func(c *harnessConfig) { c.refundExpr = expr } }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, o := range opts {
		o(&cfg)
	}

	store := infrastructure.NewMemoryStore(
		domain.Product{ID: 1, Title: "Java课程", Price: 1},
		domain.Product{ID: 7, Title: "大数据课程", Price: 100},
	)
	tracer := noop.NewTracerProvider().Tracer("test")
	locker := &recordingLocker{Locker: lock.NewLocalLocker()}
	gw := &fakeGateway{}
	pub := &recordingPublisher{}
	sched := &recordingScheduler{}

	keys := wechatpay.NewKeyRegistry()
	keys.Add(testPlatSerial, &testPlatformKey().PublicKey)
	decryptor, err := wechatpay.NewDecryptor(testAPIv3Key)
	require.NoError(t, err)
	policy, err := NewRefundPolicy(cfg.refundExpr)
	require.NoError(t, err)

	orders := NewOrderLifecycle(store.Orders(), store.PaymentRecords(), store.Products(), store, locker, pub, tracer)
	refunds := NewRefundLifecycle(store.Refunds(), orders, gw, policy, store, locker, pub, tracer)
	return &harness{
		store:      store,
		locks:      locker,
		gateway:    gw,
		publisher:  pub,
		scheduler:  sched,
		decryptor:  decryptor,
		orders:     orders,
		refunds:    refunds,
		processor:  NewNotificationProcessor(wechatpay.NewVerifier(keys), decryptor, store.Orders(), orders, refunds, cfg.verifyAmount, tracer),
		reconciler: NewReconciler(store.Orders(), store.Refunds(), orders, refunds, gw, ReconcileConfig{Concurrency: 2, VerifyAmount: cfg.verifyAmount}, tracer),
		checkout:   NewCheckoutService(store.Orders(), orders, refunds, gw, sched, tracer),
	}
}

// seedOrder 直接写入一个指定状态的订单
func (h *harness) seedOrder(t *testing.T, orderNo string, productID int64, status domain.OrderStatus, createdAt time.Time) *domain.Order {
	t.Helper()
	ctx := context.Background()
	product, err := h.store.Products().FindByID(ctx, productID)
	require.NoError(t, err)
	o := domain.NewOrder(product, createdAt)
	if orderNo != "" {
		o.OrderNo = orderNo
	}
	o.CodeURL = "weixin://wxpay/bizpayurl?pr=seed"
	require.NoError(t, h.store.Orders().Create(ctx, o))
	if status != domain.OrderNotPay {
		ok, err := h.store.Orders().CompareAndSetStatus(ctx, o.OrderNo, domain.OrderNotPay, status)
		require.NoError(t, err)
		require.True(t, ok)
		o.Status = status
	}
	return o
}

func (h *harness) order(t *testing.T, orderNo string) *domain.Order {
	t.Helper()
	o, err := h.store.Orders().FindByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	return o
}

func (h *harness) records(t *testing.T, orderNo string) []*domain.PaymentRecord {
	t.Helper()
	recs, err := h.store.PaymentRecords().ListByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	return recs
}

func (h *harness) refundRows(t *testing.T, orderNo string) []*domain.Refund {
	t.Helper()
	rows, err := h.store.Refunds().ListByOrderNo(context.Background(), orderNo)
	require.NoError(t, err)
	return rows
}

// notification 构造一条加密并签名的回调
func (h *harness) notification(t *testing.T, id, eventType string, plaintext []byte) Notification {
	t.Helper()
	res, err := h.decryptor.Seal(plaintext, "nonce-123456", "transaction")
	require.NoError(t, err)
	res.OriginalType = "transaction"
	body, err := json.Marshal(wechatpay.Notification{
		ID:           id,
		CreateTime:   "2026-10-14T10:00:00+08:00",
		EventType:    eventType,
		ResourceType: "encrypt-resource",
		Summary:      "支付成功",
		Resource:     &res,
	})
	require.NoError(t, err)
	return Notification{Meta: h.sign(t, body), Body: body}
}

func (h *harness) sign(t *testing.T, body []byte) wechatpay.Metadata {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := wechatpay.NewSigner("", testPlatSerial, testPlatformKey()).Sign(wechatpay.SignedMessage(ts, "sig-nonce", body))
	require.NoError(t, err)
	return wechatpay.Metadata{RequestID: "req-" + ts, Serial: testPlatSerial, Signature: sig, Timestamp: ts, Nonce: "sig-nonce"}
}

func transactionJSON(orderNo, transactionID, state string, total int64) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"appid":          "wx74862e0dfcf69954",
		"mchid":          "1558950191",
		"out_trade_no":   orderNo,
		"transaction_id": transactionID,
		"trade_type":     "NATIVE",
		"trade_state":    state,
		"amount":         map[string]interface{}{"total": total, "payer_total": total, "currency": "CNY"},
	})
	return b
}

func refundJSON(refundNo, orderNo, statusField, status string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"refund_id":     "50000000382019052709732678859",
		"out_refund_no": refundNo,
		"out_trade_no":  orderNo,
		statusField:     status,
		"amount":        map[string]interface{}{"total": 100, "refund": 100},
	})
	return b
}
