package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

const billDateLayout = "2006-01-02"

// BillService 申请并下载交易账单/资金账单
type BillService struct {
	gateway port.PaymentGateway
	tracer  trace.Tracer
}

func NewBillService(gateway port.PaymentGateway, tracer trace.Tracer) *BillService {
	return &BillService{gateway: gateway, tracer: tracer}
}

// QueryBill 返回账单下载地址
func (s *BillService) QueryBill(ctx context.Context, billDate, billType string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "app.QueryBill", trace.WithAttributes(
		attribute.String("bill.date", billDate), attribute.String("bill.type", billType)))
	defer span.End()

	bt, err := validateBill(billDate, billType)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return s.gateway.QueryBill(ctx, billDate, bt)
}

// DownloadBill 申请账单后立即下载，返回原始账单文本
func (s *BillService) DownloadBill(ctx context.Context, billDate, billType string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "app.DownloadBill", trace.WithAttributes(
		attribute.String("bill.date", billDate), attribute.String("bill.type", billType)))
	defer span.End()

	bt, err := validateBill(billDate, billType)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	url, err := s.gateway.QueryBill(ctx, billDate, bt)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.gateway.DownloadBill(ctx, url)
}

func validateBill(billDate, billType string) (domain.BillType, error) {
	if _, err := time.Parse(billDateLayout, billDate); err != nil {
		return "", domain.Classify(domain.ErrMalformedPayload, errors.Errorf("bill date %q, want %s", billDate, billDateLayout))
	}
	return domain.ParseBillType(billType)
}
