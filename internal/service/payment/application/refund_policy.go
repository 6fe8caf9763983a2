package application

import (
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"paynexus/internal/service/payment/domain"
)

// DefaultRefundExpr 全额退款
const DefaultRefundExpr = "total_fee"

// RefundPolicy 用 CEL 表达式计算退款金额，可用变量:
//
//	total_fee            订单金额(分)
//	order_age_minutes    下单至今的分钟数
//
// 结果为 0 表示不允许退款，例如 `order_age_minutes > 10080 ? 0 : total_fee`。
type RefundPolicy struct {
	expr string
	prg  cel.Program
	now  func() time.Time
}

func NewRefundPolicy(expr string) (*RefundPolicy, error) {
	if expr == "" {
		expr = DefaultRefundExpr
	}
	env, err := cel.NewEnv(
		cel.Variable("total_fee", cel.IntType),
		cel.Variable("order_age_minutes", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "refund policy env")
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile refund policy %q", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "refund policy program %q", expr)
	}
	return &RefundPolicy{expr: expr, prg: prg, now: time.Now}, nil
}

// Amount 计算订单的退款金额，结果必须落在 (0, total_fee]
func (p *RefundPolicy) Amount(order *domain.Order) (int64, error) {
	out, _, err := p.prg.Eval(map[string]interface{}{
		"total_fee":         order.TotalFee,
		"order_age_minutes": int64(p.now().Sub(order.CreatedAt) / time.Minute),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "evaluate refund policy %q", p.expr)
	}
	amount, ok := out.Value().(int64)
	if !ok {
		return 0, errors.Errorf("refund policy %q returned %T, want int", p.expr, out.Value())
	}
	switch {
	case amount == 0:
		return 0, domain.Classify(domain.ErrRefundNotAllowed, errors.Errorf("order %s", order.OrderNo))
	case amount < 0 || amount > order.TotalFee:
		return 0, domain.Classify(domain.ErrInvalidRefundAmount,
			errors.Errorf("order %s: amount %d outside (0, %d]", order.OrderNo, amount, order.TotalFee))
	}
	return amount, nil
}
