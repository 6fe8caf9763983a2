package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrVerificationFailure = errors.New("notification verification failed")
	ErrStaleNotification   = errors.New("notification timestamp outside accepted window")
	ErrDecryptionFailure   = errors.New("notification decryption failed")
	ErrMalformedPayload    = errors.New("malformed gateway payload")
	ErrAmountMismatch      = errors.New("notified amount does not match order")

	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrRefundNotAllowed    = errors.New("refund not allowed by policy")
	ErrInvalidRefundAmount = errors.New("invalid refund amount")

	ErrOrderNotFound   = errors.New("order not found")
	ErrRefundNotFound  = errors.New("refund not found")
	ErrProductNotFound = errors.New("product not found")
	ErrDuplicateRecord = errors.New("duplicate record")

	ErrGatewayCallFailure  = errors.New("payment gateway call failed")
	ErrUnsupportedBillType = errors.New("unsupported bill type")
)

// GatewayError 描述一次失败的网关调用。StatusCode 为 0 表示传输层错误或超时。
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Cause      error
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *GatewayError) Is(target error) bool { return target == ErrGatewayCallFailure }

func (e *GatewayError) Unwrap() error { return e.Cause }

// Retryable 5xx、429 与传输层错误可以重试，其余 4xx 是确定性的拒绝
func (e *GatewayError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// classified 让一个底层错误同时匹配若干业务哨兵错误
type classified struct {
	kinds []error
	cause error
}

func (e *classified) Error() string {
	return e.kinds[0].Error() + ": " + e.cause.Error()
}

func (e *classified) Is(target error) bool {
	for _, k := range e.kinds {
		if k == target {
			return true
		}
	}
	return false
}

func (e *classified) Unwrap() error { return e.cause }

// Classify 给 cause 打上业务错误类别，errors.Is 对 kind 和 cause 链都成立
func Classify(kind, cause error, more ...error) error {
	if cause == nil {
		return nil
	}
	return &classified{kinds: append([]error{kind}, more...), cause: cause}
}

func errorf(format string, args ...any) error {
	return errors.Errorf(format, args...)
}
