package infrastructure

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"paynexus/internal/service/payment/domain"
)

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// DefaultProducts 是空库时写入的商品
var DefaultProducts = []domain.Product{
	{Title: "Java课程", Price: 1},
	{Title: "大数据课程", Price: 1},
	{Title: "前端课程", Price: 1},
	{Title: "UI课程", Price: 1},
}

// OpenMySQL 打开连接池。DSN 强制 parseTime，保证时间列能扫描到 time.Time。
func OpenMySQL(cfg MySQLConfig) (*gorm.DB, error) {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	dsn.ParseTime = true
	if dsn.Loc == nil {
		dsn.Loc = time.Local
	}

	db, err := gorm.Open(gormmysql.Open(dsn.FormatDSN()), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open mysql %s/%s", dsn.Addr, dsn.DBName)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Migrate 建表并在商品表为空时写入默认商品
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return SeedProducts(context.Background(), db, DefaultProducts)
}

func SeedProducts(ctx context.Context, db *gorm.DB, products []domain.Product) error {
	var count int64
	if err := db.WithContext(ctx).Model(&ProductModel{}).Count(&count).Error; err != nil {
		return errors.WithStack(err)
	}
	if count > 0 || len(products) == 0 {
		return nil
	}
	models := make([]*ProductModel, len(products))
	for i, p := range products {
		models[i] = &ProductModel{Title: p.Title, Price: p.Price}
		models[i].ID = uint(p.ID)
	}
	return errors.WithStack(db.WithContext(ctx).Create(&models).Error)
}
