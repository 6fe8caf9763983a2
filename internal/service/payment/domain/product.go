package domain

// Product 商品，价格单位为分
type Product struct {
	ID    int64
	Title string
	Price int64
}

// BillType 账单类型
type BillType string

const (
	BillTrade    BillType = "tradebill"
	BillFundFlow BillType = "fundflowbill"
)

func ParseBillType(s string) (BillType, error) {
	switch t := BillType(s); t {
	case BillTrade, BillFundFlow:
		return t, nil
	}
	return "", Classify(ErrUnsupportedBillType, errorf("bill type %q", s))
}
