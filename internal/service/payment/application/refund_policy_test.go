package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paynexus/internal/service/payment/domain"
)

func TestRefundPolicy(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.Local)
	order := &domain.Order{OrderNo: "ORDER_1", TotalFee: 100, CreatedAt: now.Add(-2 * time.Hour)}

	tests := []struct {
		name    string
		expr    string
		want    int64
		wantErr error
	}{
		{name: "default is full refund", expr: "", want: 100},
		{name: "half", expr: "total_fee / 2", want: 50},
		{name: "age window open", expr: "order_age_minutes > 180 ? 0 : total_fee", want: 100},
		{name: "age window closed", expr: "order_age_minutes > 60 ? 0 : total_fee", wantErr: domain.ErrRefundNotAllowed},
		{name: "over refund", expr: "total_fee + 1", wantErr: domain.ErrInvalidRefundAmount},
		{name: "negative", expr: "-1", wantErr: domain.ErrInvalidRefundAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewRefundPolicy(tt.expr)
			require.NoError(t, err)
			p.now = func() time.Time { return now }

			got, err := p.Amount(order)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRefundPolicy_Invalid(t *testing.T) {
	_, err := NewRefundPolicy("total_fee +")
	assert.Error(t, err)
	_, err = NewRefundPolicy("unknown_var")
	assert.Error(t, err)

	p, err := NewRefundPolicy(`"all"`)
	require.NoError(t, err)
	_, err = p.Amount(&domain.Order{TotalFee: 1})
	assert.Error(t, err)
}
