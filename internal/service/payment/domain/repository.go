// internal/service/payment/domain/repository.go
package domain

import (
	"context"
	"time"
)

// OrderRepository 订单持久化接口，由基础设施层实现。
// 状态只能通过 CompareAndSetStatus 修改。
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	FindByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	// FindReusable 返回该商品最新的 NOTPAY 或 SUCCESS 订单，没有则返回 ErrOrderNotFound
	FindReusable(ctx context.Context, productID int64) (*Order, error)
	List(ctx context.Context) ([]*Order, error)
	ListByStatusBefore(ctx context.Context, status OrderStatus, before time.Time, limit int) ([]*Order, error)
	// SaveCodeURL 仅当 code_url 为空时写入，返回是否写入
	SaveCodeURL(ctx context.Context, orderNo, codeURL string) (bool, error)
	// CompareAndSetStatus 仅当当前状态等于 from 时改为 to，返回是否修改
	CompareAndSetStatus(ctx context.Context, orderNo string, from, to OrderStatus) (bool, error)
}

type PaymentRecordRepository interface {
	Create(ctx context.Context, record *PaymentRecord) error
	ListByOrderNo(ctx context.Context, orderNo string) ([]*PaymentRecord, error)
}

type RefundRepository interface {
	Create(ctx context.Context, refund *Refund) error
	FindByRefundNo(ctx context.Context, refundNo string) (*Refund, error)
	ListByOrderNo(ctx context.Context, orderNo string) ([]*Refund, error)
	ListProcessingBefore(ctx context.Context, before time.Time, limit int) ([]*Refund, error)
	// UpdateFromGateway 仅更新仍处于 PROCESSING 的退款单，返回是否修改
	UpdateFromGateway(ctx context.Context, refundNo string, update RefundUpdate) (bool, error)
	// Delete 只用于退款申请失败时的补偿
	Delete(ctx context.Context, refundNo string) error
}

type ProductRepository interface {
	FindByID(ctx context.Context, id int64) (*Product, error)
}

// Transactor 在一个事务中执行 fn。嵌套调用复用外层事务。
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
