package interfaces

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/service/payment/domain"
)

// 业务码
const (
	codeOK     = 0
	codeFail   = -1
	codePaying = 101
)

// R 是管理接口统一的应答体
type R struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func ok(message string) *R {
	return &R{Code: codeOK, Message: message}
}

// With 追加一项 data
func (r *R) With(key string, value interface{}) *R {
	if r.Data == nil {
		r.Data = make(map[string]interface{})
	}
	r.Data[key] = value
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusOf 把业务错误映射为 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrRefundNotFound),
		errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrMalformedPayload),
		errors.Is(err, domain.ErrUnsupportedBillType),
		errors.Is(err, domain.ErrRefundNotAllowed),
		errors.Is(err, domain.ErrInvalidRefundAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrGatewayCallFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusOf(err)
	ev := logger.Ctx(ctx).Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Ctx(ctx).Error()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, &R{Code: codeFail, Message: err.Error()})
}

// notifyReply 是回调应答体，网关只看状态码和 code
type notifyReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeNotifyReply(w http.ResponseWriter, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, notifyReply{Code: "ERROR", Message: "失败"})
		return
	}
	writeJSON(w, http.StatusOK, notifyReply{Code: "SUCCESS", Message: "成功"})
}
