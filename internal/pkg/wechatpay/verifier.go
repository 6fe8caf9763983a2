package wechatpay

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	HeaderRequestID = "Request-ID"
	HeaderSerial    = "Wechatpay-Serial"
	HeaderSignature = "Wechatpay-Signature"
	HeaderTimestamp = "Wechatpay-Timestamp"
	HeaderNonce     = "Wechatpay-Nonce"
)

var (
	ErrVerificationFailure = errors.New("wechatpay: signature verification failed")
	ErrStaleTimestamp      = errors.New("wechatpay: timestamp outside accepted window")
)

// Metadata 是随回调或应答一起下发的签名信息
type Metadata struct {
	RequestID string
	Serial    string
	Signature string
	Timestamp string
	Nonce     string
}

func MetadataFromHeader(h http.Header) Metadata {
	return Metadata{
		RequestID: h.Get(HeaderRequestID),
		Serial:    h.Get(HeaderSerial),
		Signature: h.Get(HeaderSignature),
		Timestamp: h.Get(HeaderTimestamp),
		Nonce:     h.Get(HeaderNonce),
	}
}

// Verifier 使用平台公钥校验 SHA256-RSA 签名
type Verifier struct {
	keys    *KeyRegistry
	maxSkew time.Duration
	now     func() time.Time
}

type VerifierOption func(*Verifier)

// WithMaxClockSkew 开启时间戳窗口校验，0 表示不校验
func WithMaxClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxSkew = d }
}

// WithClock 替换时间源，测试使用
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(keys *KeyRegistry, opts ...VerifierOption) *Verifier {
	v := &Verifier{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SignedMessage 构造待验签串: timestamp\nnonce\nbody\n
func SignedMessage(timestamp, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+len(nonce)+len(body)+3)
	msg = append(msg, timestamp...)
	msg = append(msg, '\n')
	msg = append(msg, nonce...)
	msg = append(msg, '\n')
	msg = append(msg, body...)
	msg = append(msg, '\n')
	return msg
}

// Verify 校验回调/应答签名。序列号未知、签名不符或元数据缺失都返回 ErrVerificationFailure。
func (v *Verifier) Verify(meta Metadata, body []byte) error {
	if meta.Serial == "" || meta.Signature == "" || meta.Timestamp == "" || meta.Nonce == "" {
		return errors.Wrap(ErrVerificationFailure, "missing signature metadata")
	}
	key, ok := v.keys.Get(meta.Serial)
	if !ok {
		return errors.Wrapf(ErrVerificationFailure, "unknown key serial %s", meta.Serial)
	}
	sig, err := base64.StdEncoding.DecodeString(meta.Signature)
	if err != nil {
		return errors.Wrap(ErrVerificationFailure, "signature is not base64")
	}

	hashed := sha256.Sum256(SignedMessage(meta.Timestamp, meta.Nonce, body))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig); err != nil {
		return errors.Wrap(ErrVerificationFailure, "signature mismatch")
	}

	if v.maxSkew > 0 {
		ts, err := strconv.ParseInt(meta.Timestamp, 10, 64)
		if err != nil {
			return errors.Wrap(ErrVerificationFailure, "timestamp is not a unix second")
		}
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return errors.Wrapf(ErrStaleTimestamp, "skew %s exceeds %s", skew, v.maxSkew)
		}
	}
	return nil
}

// VerifyResponse 校验网关应答
func (v *Verifier) VerifyResponse(h http.Header, body []byte) error {
	return v.Verify(MetadataFromHeader(h), body)
}
