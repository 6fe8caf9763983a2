package application

import (
	"context"
	"sync"

	"paynexus/internal/pkg/logger"
)

// compensations 记录一个用例中已完成步骤的补偿动作，失败时按后进先出执行
type compensations struct {
	steps []func(ctx context.Context) error
	mu    sync.Mutex
}

func (c *compensations) Add(step func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append([]func(context.Context) error{step}, c.steps...)
}

// Trigger 执行全部补偿，单个补偿失败不阻断后续补偿
func (c *compensations) Trigger(ctx context.Context, subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logger.Ctx(ctx).Warn().Str("subject", subject).Int("steps", len(c.steps)).Msg("executing compensations")
	for _, step := range c.steps {
		if err := step(ctx); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("subject", subject).Msg("CRITICAL: compensation failed, manual repair required")
		}
	}
	c.steps = nil
}
