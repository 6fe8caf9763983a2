package infrastructure

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"paynexus/internal/service/payment/domain"
)

const mysqlDuplicateEntry = 1062

// translate 把驱动层错误转换为领域错误
func translate(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry) {
		return domain.Classify(domain.ErrDuplicateRecord, err)
	}
	return errors.WithStack(err)
}

// GormOrderRepository 是 OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	model := FromDomainOrder(order)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		return translate(err)
	}
	order.ID = int64(model.ID)
	return nil
}

func (r *GormOrderRepository) FindByOrderNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	var model OrderInfoModel
	err := conn(ctx, r.db).Where("order_no = ?", orderNo).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", orderNo)
		}
		return nil, translate(err)
	}
	return ToDomainOrder(&model), nil
}

func (r *GormOrderRepository) FindReusable(ctx context.Context, productID int64) (*domain.Order, error) {
	var model OrderInfoModel
	err := conn(ctx, r.db).
		Where("product_id = ? AND order_status IN ?", productID, []string{string(domain.OrderNotPay), string(domain.OrderSuccess)}).
		Order("id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrOrderNotFound, "no reusable order for product %d", productID)
		}
		return nil, translate(err)
	}
	return ToDomainOrder(&model), nil
}

func (r *GormOrderRepository) List(ctx context.Context) ([]*domain.Order, error) {
	var models []*OrderInfoModel
	if err := conn(ctx, r.db).Order("id DESC").Find(&models).Error; err != nil {
		return nil, translate(err)
	}
	orders := make([]*domain.Order, len(models))
	for i, m := range models {
		orders[i] = ToDomainOrder(m)
	}
	return orders, nil
}

func (r *GormOrderRepository) ListByStatusBefore(ctx context.Context, status domain.OrderStatus, before time.Time, limit int) ([]*domain.Order, error) {
	var models []*OrderInfoModel
	err := conn(ctx, r.db).
		Where("order_status = ? AND created_at < ?", string(status), before).
		Order("id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, translate(err)
	}
	orders := make([]*domain.Order, len(models))
	for i, m := range models {
		orders[i] = ToDomainOrder(m)
	}
	return orders, nil
}

func (r *GormOrderRepository) SaveCodeURL(ctx context.Context, orderNo, codeURL string) (bool, error) {
	res := conn(ctx, r.db).Model(&OrderInfoModel{}).
		Where("order_no = ? AND (code_url = '' OR code_url IS NULL)", orderNo).
		Update("code_url", codeURL)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompareAndSetStatus 条件更新，并发下只有一个调用方能看到 RowsAffected == 1
func (r *GormOrderRepository) CompareAndSetStatus(ctx context.Context, orderNo string, from, to domain.OrderStatus) (bool, error) {
	res := conn(ctx, r.db).Model(&OrderInfoModel{}).
		Where("order_no = ? AND order_status = ?", orderNo, string(from)).
		Update("order_status", string(to))
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GormPaymentRecordRepository 支付流水
type GormPaymentRecordRepository struct {
	db *gorm.DB
}

func NewGormPaymentRecordRepository(db *gorm.DB) *GormPaymentRecordRepository {
	return &GormPaymentRecordRepository{db: db}
}

func (r *GormPaymentRecordRepository) Create(ctx context.Context, record *domain.PaymentRecord) error {
	model := FromDomainPaymentRecord(record)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		return translate(err)
	}
	record.ID = int64(model.ID)
	return nil
}

func (r *GormPaymentRecordRepository) ListByOrderNo(ctx context.Context, orderNo string) ([]*domain.PaymentRecord, error) {
	var models []*PaymentInfoModel
	if err := conn(ctx, r.db).Where("order_no = ?", orderNo).Order("id").Find(&models).Error; err != nil {
		return nil, translate(err)
	}
	records := make([]*domain.PaymentRecord, len(models))
	for i, m := range models {
		records[i] = ToDomainPaymentRecord(m)
	}
	return records, nil
}

// GormRefundRepository 退款单
type GormRefundRepository struct {
	db *gorm.DB
}

func NewGormRefundRepository(db *gorm.DB) *GormRefundRepository {
	return &GormRefundRepository{db: db}
}

func (r *GormRefundRepository) Create(ctx context.Context, refund *domain.Refund) error {
	model := FromDomainRefund(refund)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		return translate(err)
	}
	refund.ID = int64(model.ID)
	return nil
}

func (r *GormRefundRepository) FindByRefundNo(ctx context.Context, refundNo string) (*domain.Refund, error) {
	var model RefundInfoModel
	err := conn(ctx, r.db).Where("refund_no = ?", refundNo).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrRefundNotFound, "refund %s", refundNo)
		}
		return nil, translate(err)
	}
	return ToDomainRefund(&model), nil
}

func (r *GormRefundRepository) ListByOrderNo(ctx context.Context, orderNo string) ([]*domain.Refund, error) {
	var models []*RefundInfoModel
	if err := conn(ctx, r.db).Where("order_no = ?", orderNo).Order("id").Find(&models).Error; err != nil {
		return nil, translate(err)
	}
	refunds := make([]*domain.Refund, len(models))
	for i, m := range models {
		refunds[i] = ToDomainRefund(m)
	}
	return refunds, nil
}

func (r *GormRefundRepository) ListProcessingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Refund, error) {
	var models []*RefundInfoModel
	err := conn(ctx, r.db).
		Where("refund_status = ? AND created_at < ?", string(domain.RefundProcessing), before).
		Order("id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, translate(err)
	}
	refunds := make([]*domain.Refund, len(models))
	for i, m := range models {
		refunds[i] = ToDomainRefund(m)
	}
	return refunds, nil
}

// UpdateFromGateway 只更新仍为 PROCESSING 的退款单，终态不会被覆盖
func (r *GormRefundRepository) UpdateFromGateway(ctx context.Context, refundNo string, update domain.RefundUpdate) (bool, error) {
	fields := map[string]interface{}{
		"refund_status": string(update.Status),
	}
	if update.RefundID != "" {
		fields["refund_id"] = update.RefundID
	}
	if update.ContentReturn != "" {
		fields["content_return"] = update.ContentReturn
	}
	if update.ContentNotify != "" {
		fields["content_notify"] = update.ContentNotify
	}
	res := conn(ctx, r.db).Model(&RefundInfoModel{}).
		Where("refund_no = ? AND refund_status = ?", refundNo, string(domain.RefundProcessing)).
		Updates(fields)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Delete 物理删除，补偿后同一退款单号不应残留
func (r *GormRefundRepository) Delete(ctx context.Context, refundNo string) error {
	res := conn(ctx, r.db).Unscoped().Where("refund_no = ?", refundNo).Delete(&RefundInfoModel{})
	return translate(res.Error)
}

// GormProductRepository 商品
type GormProductRepository struct {
	db *gorm.DB
}

func NewGormProductRepository(db *gorm.DB) *GormProductRepository {
	return &GormProductRepository{db: db}
}

func (r *GormProductRepository) FindByID(ctx context.Context, id int64) (*domain.Product, error) {
	var model ProductModel
	if err := conn(ctx, r.db).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrProductNotFound, "product %d", id)
		}
		return nil, translate(err)
	}
	return ToDomainProduct(&model), nil
}
