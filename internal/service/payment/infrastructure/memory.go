package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"paynexus/internal/service/payment/domain"
)

// MemoryStore 是仓储与事务的进程内实现，用于本地运行和测试。
// 事务通过 undo log 回滚，未提交的写对其他调用方可见，跨调用方的互斥由 lock.Locker 负责。
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	orders   map[string]*domain.Order
	records  []*domain.PaymentRecord
	refunds  map[string]*domain.Refund
	products map[int64]*domain.Product
	now      func() time.Time
}

func NewMemoryStore(products ...domain.Product) *MemoryStore {
	s := &MemoryStore{
		orders:   make(map[string]*domain.Order),
		refunds:  make(map[string]*domain.Refund),
		products: make(map[int64]*domain.Product),
		now:      time.Now,
	}
	for i, p := range products {
		if p.ID == 0 {
			p.ID = int64(i + 1)
		}
		s.products[p.ID] = &p
	}
	return s
}

type memTx struct {
	mu   sync.Mutex
	undo []func()
}

type memTxKey struct{}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		s.mu.Lock()
		tx.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		tx.mu.Unlock()
		s.mu.Unlock()
		return err
	}
	return nil
}

// onRollback 在持有 s.mu 时调用
func onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.mu.Lock()
		tx.undo = append(tx.undo, undo)
		tx.mu.Unlock()
	}
}

func (s *MemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) Orders() *MemoryOrderRepository { return &MemoryOrderRepository{s} }

func (s *MemoryStore) PaymentRecords() *MemoryPaymentRecordRepository {
	return &MemoryPaymentRecordRepository{s}
}

func (s *MemoryStore) Refunds() *MemoryRefundRepository { return &MemoryRefundRepository{s} }

func (s *MemoryStore) Products() *MemoryProductRepository { return &MemoryProductRepository{s} }

type MemoryOrderRepository struct{ s *MemoryStore }

func (r *MemoryOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderNo]; ok {
		return domain.Classify(domain.ErrDuplicateRecord, errors.Errorf("order %s", order.OrderNo))
	}
	order.ID = s.nextID()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now()
	}
	order.UpdatedAt = order.CreatedAt
	cp := *order
	s.orders[order.OrderNo] = &cp
	onRollback(ctx, func() { delete(s.orders, cp.OrderNo) })
	return nil
}

func (r *MemoryOrderRepository) FindByOrderNo(_ context.Context, orderNo string) (*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[orderNo]
	if !ok {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", orderNo)
	}
	cp := *o
	return &cp, nil
}

func (r *MemoryOrderRepository) FindReusable(_ context.Context, productID int64) (*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *domain.Order
	for _, o := range r.s.orders {
		if o.ProductID != productID || (o.Status != domain.OrderNotPay && o.Status != domain.OrderSuccess) {
			continue
		}
		if found == nil || o.ID > found.ID {
			found = o
		}
	}
	if found == nil {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "no reusable order for product %d", productID)
	}
	cp := *found
	return &cp, nil
}

func (r *MemoryOrderRepository) List(_ context.Context) ([]*domain.Order, error) {
	return r.collect(func(*domain.Order) bool { return true }, true, 0), nil
}

func (r *MemoryOrderRepository) ListByStatusBefore(_ context.Context, status domain.OrderStatus, before time.Time, limit int) ([]*domain.Order, error) {
	return r.collect(func(o *domain.Order) bool {
		return o.Status == status && o.CreatedAt.Before(before)
	}, false, limit), nil
}

func (r *MemoryOrderRepository) collect(match func(*domain.Order) bool, newestFirst bool, limit int) []*domain.Order {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*domain.Order, 0)
	for _, o := range r.s.orders {
		if match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryOrderRepository) SaveCodeURL(ctx context.Context, orderNo, codeURL string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok || o.CodeURL != "" {
		return false, nil
	}
	o.CodeURL = codeURL
	onRollback(ctx, func() { o.CodeURL = "" })
	return true, nil
}

func (r *MemoryOrderRepository) CompareAndSetStatus(ctx context.Context, orderNo string, from, to domain.OrderStatus) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok || o.Status != from {
		return false, nil
	}
	prevUpdated := o.UpdatedAt
	o.Status = to
	o.UpdatedAt = s.now()
	onRollback(ctx, func() {
		o.Status = from
		o.UpdatedAt = prevUpdated
	})
	return true, nil
}

type MemoryPaymentRecordRepository struct{ s *MemoryStore }

// Create 与数据库的唯一索引一致：同一 transaction_id 只能写入一次
func (r *MemoryPaymentRecordRepository) Create(ctx context.Context, record *domain.PaymentRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.TransactionID == record.TransactionID {
			return domain.Classify(domain.ErrDuplicateRecord, errors.Errorf("transaction %s", record.TransactionID))
		}
	}
	record.ID = s.nextID()
	cp := *record
	s.records = append(s.records, &cp)
	onRollback(ctx, func() {
		for i, rec := range s.records {
			if rec.ID == cp.ID {
				s.records = append(s.records[:i], s.records[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *MemoryPaymentRecordRepository) ListByOrderNo(_ context.Context, orderNo string) ([]*domain.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*domain.PaymentRecord, 0)
	for _, rec := range r.s.records {
		if rec.OrderNo == orderNo {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type MemoryRefundRepository struct{ s *MemoryStore }

func (r *MemoryRefundRepository) Create(ctx context.Context, refund *domain.Refund) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[refund.RefundNo]; ok {
		return domain.Classify(domain.ErrDuplicateRecord, errors.Errorf("refund %s", refund.RefundNo))
	}
	refund.ID = s.nextID()
	cp := *refund
	s.refunds[refund.RefundNo] = &cp
	onRollback(ctx, func() { delete(s.refunds, cp.RefundNo) })
	return nil
}

func (r *MemoryRefundRepository) FindByRefundNo(_ context.Context, refundNo string) (*domain.Refund, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rf, ok := r.s.refunds[refundNo]
	if !ok {
		return nil, errors.Wrapf(domain.ErrRefundNotFound, "refund %s", refundNo)
	}
	cp := *rf
	return &cp, nil
}

func (r *MemoryRefundRepository) ListByOrderNo(_ context.Context, orderNo string) ([]*domain.Refund, error) {
	return r.collect(func(rf *domain.Refund) bool { return rf.OrderNo == orderNo }, 0), nil
}

func (r *MemoryRefundRepository) ListProcessingBefore(_ context.Context, before time.Time, limit int) ([]*domain.Refund, error) {
	return r.collect(func(rf *domain.Refund) bool {
		return rf.Status == domain.RefundProcessing && rf.CreatedAt.Before(before)
	}, limit), nil
}

func (r *MemoryRefundRepository) collect(match func(*domain.Refund) bool, limit int) []*domain.Refund {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*domain.Refund, 0)
	for _, rf := range r.s.refunds {
		if match(rf) {
			cp := *rf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRefundRepository) UpdateFromGateway(ctx context.Context, refundNo string, update domain.RefundUpdate) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rf, ok := s.refunds[refundNo]
	if !ok || rf.Status != domain.RefundProcessing {
		return false, nil
	}
	prev := *rf
	rf.Status = update.Status
	if update.RefundID != "" {
		rf.RefundID = update.RefundID
	}
	if update.ContentReturn != "" {
		rf.ContentReturn = update.ContentReturn
	}
	if update.ContentNotify != "" {
		rf.ContentNotify = update.ContentNotify
	}
	rf.UpdatedAt = s.now()
	onRollback(ctx, func() { *rf = prev })
	return true, nil
}

func (r *MemoryRefundRepository) Delete(ctx context.Context, refundNo string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rf, ok := s.refunds[refundNo]
	if !ok {
		return nil
	}
	delete(s.refunds, refundNo)
	onRollback(ctx, func() { s.refunds[refundNo] = rf })
	return nil
}

type MemoryProductRepository struct{ s *MemoryStore }

func (r *MemoryProductRepository) FindByID(_ context.Context, id int64) (*domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.products[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrProductNotFound, "product %d", id)
	}
	cp := *p
	return &cp, nil
}
