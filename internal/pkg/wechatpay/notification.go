package wechatpay

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// 回调事件类型
const (
	EventTransactionSuccess = "TRANSACTION.SUCCESS"
	EventRefundSuccess      = "REFUND.SUCCESS"
	EventRefundAbnormal     = "REFUND.ABNORMAL"
	EventRefundClosed       = "REFUND.CLOSED"
)

var ErrMalformedNotification = errors.New("wechatpay: malformed notification")

// Notification 是回调报文的外层结构，业务数据在 Resource 中加密
type Notification struct {
	ID           string    `json:"id"`
	CreateTime   string    `json:"create_time"`
	EventType    string    `json:"event_type"`
	ResourceType string    `json:"resource_type"`
	Summary      string    `json:"summary"`
	Resource     *Resource `json:"resource"`
}

// ParseNotification 解析外层报文并检查必填字段
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, errors.Wrap(ErrMalformedNotification, err.Error())
	}
	switch {
	case n.ID == "":
		return nil, errors.Wrap(ErrMalformedNotification, "missing id")
	case n.Resource == nil:
		return nil, errors.Wrapf(ErrMalformedNotification, "notification %s: missing resource", n.ID)
	case n.Resource.Ciphertext == "" || n.Resource.Nonce == "":
		return nil, errors.Wrapf(ErrMalformedNotification, "notification %s: incomplete resource", n.ID)
	}
	return &n, nil
}
