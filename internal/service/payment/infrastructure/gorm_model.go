package infrastructure

import (
	"gorm.io/gorm"
)

// OrderInfoModel 对应数据库中的 t_order_info 表
type OrderInfoModel struct {
	gorm.Model
	OrderNo     string `gorm:"type:varchar(64);uniqueIndex"`
	ProductID   int64  `gorm:"index:idx_product_status"`
	Title       string `gorm:"type:varchar(256)"`
	TotalFee    int64
	CodeURL     string `gorm:"type:varchar(256)"`
	OrderStatus string `gorm:"type:varchar(32);index:idx_product_status"`
}

func (OrderInfoModel) TableName() string {
	return "t_order_info"
}

// PaymentInfoModel 对应 t_payment_info 表，transaction_id 唯一，同一笔交易只能记一次流水
type PaymentInfoModel struct {
	gorm.Model
	OrderNo       string `gorm:"type:varchar(64);index"`
	TransactionID string `gorm:"type:varchar(64);uniqueIndex"`
	PaymentType   string `gorm:"type:varchar(20)"`
	TradeType     string `gorm:"type:varchar(20)"`
	TradeState    string `gorm:"type:varchar(32)"`
	PayerTotal    int64
	Content       string `gorm:"type:text"`
}

func (PaymentInfoModel) TableName() string {
	return "t_payment_info"
}

// RefundInfoModel 对应 t_refund_info 表
type RefundInfoModel struct {
	gorm.Model
	OrderNo       string `gorm:"type:varchar(64);index"`
	RefundNo      string `gorm:"type:varchar(64);uniqueIndex"`
	RefundID      string `gorm:"type:varchar(64)"`
	TotalFee      int64
	Refund        int64
	Reason        string `gorm:"type:varchar(256)"`
	RefundStatus  string `gorm:"type:varchar(32);index"`
	ContentReturn string `gorm:"type:text"`
	ContentNotify string `gorm:"type:text"`
}

func (RefundInfoModel) TableName() string {
	return "t_refund_info"
}

// ProductModel 对应 t_product 表，价格单位为分
type ProductModel struct {
	gorm.Model
	Title string `gorm:"type:varchar(128)"`
	Price int64
}

func (ProductModel) TableName() string {
	return "t_product"
}

// Models 返回需要自动迁移的全部模型
func Models() []interface{} {
	return []interface{}{&OrderInfoModel{}, &PaymentInfoModel{}, &RefundInfoModel{}, &ProductModel{}}
}
