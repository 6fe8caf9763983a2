package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/mq"
	"paynexus/internal/service/payment/application"
	"paynexus/internal/service/payment/domain"
)

// MessageReader 是 *kafka.Reader 的最小抽象
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReconcileChecker 执行单笔主动对账
type ReconcileChecker interface {
	CheckOrder(ctx context.Context, orderNo string) (application.ReconcileOutcome, error)
	CheckRefund(ctx context.Context, refundNo string) (application.ReconcileOutcome, error)
}

// FailureHandler 接管处理失败的消息
type FailureHandler interface {
	Handle(ctx context.Context, msg kafka.Message, cause error)
}

// ReconcileConsumerAdapter 是一个驱动适配器，监听延迟到期的对账任务并驱动对账。
type ReconcileConsumerAdapter struct {
	reader   MessageReader
	checker  ReconcileChecker
	failures FailureHandler
	wg       sync.WaitGroup
	stopped  atomic.Bool
}

// NewReconcileConsumerAdapter failures 为 nil 时失败的任务只记录日志，等待周期对账兜底
func NewReconcileConsumerAdapter(reader MessageReader, checker ReconcileChecker, failures FailureHandler) *ReconcileConsumerAdapter {
	return &ReconcileConsumerAdapter{reader: reader, checker: checker, failures: failures}
}

// Start 开始监听，立即返回
func (a *ReconcileConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Msg("reconcile consumer started")
		for {
			if a.stopped.Load() {
				return
			}
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("reconcile consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
				time.Sleep(time.Second)
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			if err := a.processMessage(msgCtx, msg); err != nil && a.failures != nil {
				a.failures.Handle(msgCtx, msg, err)
			}

			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit message")
			}
		}
	}()
	return nil
}

// Stop 优雅地停止消费者
func (a *ReconcileConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	_ = a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Msg("reconcile consumer stopped")
}

// Run 适配 bootstrap.Runner：阻塞到 ctx 结束后停止
func (a *ReconcileConsumerAdapter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop(context.Background())
	return nil
}

// processMessage 格式错误的消息直接跳过，重投也不会成功
func (a *ReconcileConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.ReconcileCheckEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("key", string(msg.Key)).Msg("malformed reconcile check, skipped")
		return nil
	}

	var (
		outcome application.ReconcileOutcome
		err     error
		subject string
	)
	switch event.Kind {
	case domain.CheckOrder:
		subject = event.OrderNo
		outcome, err = a.checker.CheckOrder(ctx, event.OrderNo)
	case domain.CheckRefund:
		subject = event.RefundNo
		outcome, err = a.checker.CheckRefund(ctx, event.RefundNo)
	default:
		logger.Ctx(ctx).Error().Str("kind", event.Kind).Msg("unknown reconcile check kind, skipped")
		return nil
	}

	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) || errors.Is(err, domain.ErrRefundNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Str("subject", subject).Msg("reconcile subject vanished, skipped")
			return nil
		}
		return err
	}
	logger.Ctx(ctx).Info().Str("kind", event.Kind).Str("subject", subject).Str("outcome", string(outcome)).Msg("reconcile check done")
	return nil
}
