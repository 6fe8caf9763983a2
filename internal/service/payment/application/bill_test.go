package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"paynexus/internal/service/payment/domain"
)

func TestBillService(t *testing.T) {
	svc := NewBillService(&fakeGateway{}, noop.NewTracerProvider().Tracer("test"))
	ctx := context.Background()

	url, err := svc.QueryBill(ctx, "2026-10-13", "tradebill")
	require.NoError(t, err)
	assert.Contains(t, url, "tradebill2026-10-13")

	bill, err := svc.DownloadBill(ctx, "2026-10-13", "fundflowbill")
	require.NoError(t, err)
	assert.Contains(t, string(bill), "fundflowbill")

	_, err = svc.QueryBill(ctx, "20261013", "tradebill")
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = svc.DownloadBill(ctx, "2026-10-13", "couponbill")
	assert.ErrorIs(t, err, domain.ErrUnsupportedBillType)
}
