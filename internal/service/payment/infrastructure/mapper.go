package infrastructure

import (
	"gorm.io/gorm"

	"paynexus/internal/service/payment/domain"
)

// ToDomainOrder 将数据库模型转换为领域模型
func ToDomainOrder(m *OrderInfoModel) *domain.Order {
	if m == nil {
		return nil
	}
	return &domain.Order{
		ID:        int64(m.ID),
		OrderNo:   m.OrderNo,
		ProductID: m.ProductID,
		Title:     m.Title,
		TotalFee:  m.TotalFee,
		CodeURL:   m.CodeURL,
		Status:    domain.OrderStatus(m.OrderStatus),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func FromDomainOrder(o *domain.Order) *OrderInfoModel {
	return &OrderInfoModel{
		Model:       gorm.Model{ID: uint(o.ID), CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt},
		OrderNo:     o.OrderNo,
		ProductID:   o.ProductID,
		Title:       o.Title,
		TotalFee:    o.TotalFee,
		CodeURL:     o.CodeURL,
		OrderStatus: string(o.Status),
	}
}

func ToDomainPaymentRecord(m *PaymentInfoModel) *domain.PaymentRecord {
	return &domain.PaymentRecord{
		ID:            int64(m.ID),
		OrderNo:       m.OrderNo,
		TransactionID: m.TransactionID,
		PaymentType:   m.PaymentType,
		TradeType:     m.TradeType,
		TradeState:    m.TradeState,
		PayerTotal:    m.PayerTotal,
		Content:       m.Content,
		CreatedAt:     m.CreatedAt,
	}
}

func FromDomainPaymentRecord(r *domain.PaymentRecord) *PaymentInfoModel {
	return &PaymentInfoModel{
		Model:         gorm.Model{CreatedAt: r.CreatedAt},
		OrderNo:       r.OrderNo,
		TransactionID: r.TransactionID,
		PaymentType:   r.PaymentType,
		TradeType:     r.TradeType,
		TradeState:    r.TradeState,
		PayerTotal:    r.PayerTotal,
		Content:       r.Content,
	}
}

func ToDomainRefund(m *RefundInfoModel) *domain.Refund {
	if m == nil {
		return nil
	}
	return &domain.Refund{
		ID:            int64(m.ID),
		RefundNo:      m.RefundNo,
		OrderNo:       m.OrderNo,
		RefundID:      m.RefundID,
		Reason:        m.Reason,
		RefundAmount:  m.Refund,
		TotalFee:      m.TotalFee,
		Status:        domain.RefundStatus(m.RefundStatus),
		ContentReturn: m.ContentReturn,
		ContentNotify: m.ContentNotify,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func FromDomainRefund(r *domain.Refund) *RefundInfoModel {
	return &RefundInfoModel{
		Model:         gorm.Model{CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt},
		OrderNo:       r.OrderNo,
		RefundNo:      r.RefundNo,
		RefundID:      r.RefundID,
		TotalFee:      r.TotalFee,
		Refund:        r.RefundAmount,
		Reason:        r.Reason,
		RefundStatus:  string(r.Status),
		ContentReturn: r.ContentReturn,
		ContentNotify: r.ContentNotify,
	}
}

func ToDomainProduct(m *ProductModel) *domain.Product {
	return &domain.Product{ID: int64(m.ID), Title: m.Title, Price: m.Price}
}
