package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"paynexus/internal/pkg/httpclient"
	"paynexus/internal/pkg/metrics"
	"paynexus/internal/pkg/wechatpay"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

const (
	pathNative       = "/v3/pay/transactions/native"
	pathOrderByNo    = "/v3/pay/transactions/out-trade-no/"
	pathRefunds      = "/v3/refund/domestic/refunds"
	pathBillPrefix   = "/v3/bill/"
	NotifyPayPath    = "/api/wx-pay/native/notify"
	NotifyRefundPath = "/api/wx-pay/refunds/notify"
)

// ResponseVerifier 校验网关应答签名
type ResponseVerifier interface {
	VerifyResponse(h http.Header, body []byte) error
}

type WxPayConfig struct {
	AppID        string
	Domain       string // https://api.mch.weixin.qq.com
	NotifyDomain string // 回调地址的域名部分
	Timeout      time.Duration
}

// WxPayGatewayAdapter 实现了 port.PaymentGateway，对接微信支付 APIv3
type WxPayGatewayAdapter struct {
	client   *httpclient.Client
	signer   *wechatpay.Signer
	verifier ResponseVerifier
	cfg      WxPayConfig
}

var _ port.PaymentGateway = (*WxPayGatewayAdapter)(nil)

func NewWxPayGatewayAdapter(client *httpclient.Client, signer *wechatpay.Signer, verifier ResponseVerifier, cfg WxPayConfig) *WxPayGatewayAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WxPayGatewayAdapter{client: client, signer: signer, verifier: verifier, cfg: cfg}
}

type amount struct {
	Total    int64  `json:"total"`
	Refund   int64  `json:"refund,omitempty"`
	Currency string `json:"currency"`
}

func (a *WxPayGatewayAdapter) CreateNativeOrder(ctx context.Context, req port.NativeOrder) (string, error) {
	body := map[string]interface{}{
		"appid":        a.cfg.AppID,
		"mchid":        a.signer.MchID(),
		"description":  req.Description,
		"out_trade_no": req.OrderNo,
		"notify_url":   a.cfg.NotifyDomain + NotifyPayPath,
		"amount":       amount{Total: req.Total, Currency: "CNY"},
	}
	raw, err := a.call(ctx, "native", http.MethodPost, pathNative, body, true)
	if err != nil {
		return "", err
	}
	var resp struct {
		CodeURL string `json:"code_url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.CodeURL == "" {
		return "", domain.Classify(domain.ErrMalformedPayload, errors.Errorf("native order %s: no code_url in %s", req.OrderNo, raw))
	}
	return resp.CodeURL, nil
}

func (a *WxPayGatewayAdapter) QueryOrder(ctx context.Context, orderNo string) ([]byte, error) {
	path := pathOrderByNo + url.PathEscape(orderNo) + "?mchid=" + url.QueryEscape(a.signer.MchID())
	return a.call(ctx, "query_order", http.MethodGet, path, nil, true)
}

func (a *WxPayGatewayAdapter) CloseOrder(ctx context.Context, orderNo string) error {
	path := pathOrderByNo + url.PathEscape(orderNo) + "/close"
	_, err := a.call(ctx, "close_order", http.MethodPost, path, map[string]string{"mchid": a.signer.MchID()}, true)
	return err
}

func (a *WxPayGatewayAdapter) CreateRefund(ctx context.Context, req port.RefundCommand) ([]byte, error) {
	body := map[string]interface{}{
		"out_trade_no":  req.OrderNo,
		"out_refund_no": req.RefundNo,
		"reason":        req.Reason,
		"notify_url":    a.cfg.NotifyDomain + NotifyRefundPath,
		"amount":        amount{Total: req.Total, Refund: req.Refund, Currency: "CNY"},
	}
	return a.call(ctx, "create_refund", http.MethodPost, pathRefunds, body, true)
}

func (a *WxPayGatewayAdapter) QueryRefund(ctx context.Context, refundNo string) ([]byte, error) {
	return a.call(ctx, "query_refund", http.MethodGet, pathRefunds+"/"+url.PathEscape(refundNo), nil, true)
}

func (a *WxPayGatewayAdapter) QueryBill(ctx context.Context, billDate string, billType domain.BillType) (string, error) {
	path := pathBillPrefix + string(billType) + "?bill_date=" + url.QueryEscape(billDate)
	raw, err := a.call(ctx, "query_bill", http.MethodGet, path, nil, true)
	if err != nil {
		return "", err
	}
	var resp struct {
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.DownloadURL == "" {
		return "", domain.Classify(domain.ErrMalformedPayload, errors.Errorf("bill %s %s: no download_url", billType, billDate))
	}
	return resp.DownloadURL, nil
}

// DownloadBill 账单文件的应答不带签名，只对请求签名
func (a *WxPayGatewayAdapter) DownloadBill(ctx context.Context, downloadURL string) ([]byte, error) {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return nil, domain.Classify(domain.ErrMalformedPayload, errors.Wrap(err, "download url"))
	}
	return a.call(ctx, "download_bill", http.MethodGet, u.RequestURI(), nil, false)
}

func (a *WxPayGatewayAdapter) call(ctx context.Context, op, method, path string, payload interface{}, verify bool) ([]byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s request", op)
		}
		body = b
	}
	auth, err := a.signer.Authorization(method, path, body)
	if err != nil {
		return nil, &domain.GatewayError{Op: op, Cause: err}
	}
	header := http.Header{}
	header.Set("Authorization", auth)
	header.Set("Accept", "application/json")
	if body != nil {
		header.Set("Content-Type", "application/json")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.client.Do(ctx, method, a.cfg.Domain+path, header, body)
	if err != nil {
		metrics.GatewayRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return nil, &domain.GatewayError{Op: op, Cause: err}
	}
	metrics.GatewayRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, &domain.GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if verify && len(resp.Body) > 0 {
		if err := a.verifier.VerifyResponse(resp.Header, resp.Body); err != nil {
			return nil, &domain.GatewayError{
				Op: op, StatusCode: resp.StatusCode, Body: string(resp.Body),
				Cause: domain.Classify(domain.ErrVerificationFailure, err),
			}
		}
	}
	return resp.Body, nil
}
