package main

import (
	"context"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"paynexus/internal/pkg/bootstrap"
	"paynexus/internal/pkg/lock"
	"paynexus/internal/pkg/redis"
	"paynexus/internal/pkg/wechatpay"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/infrastructure"
)

type stores struct {
	orders   domain.OrderRepository
	records  domain.PaymentRecordRepository
	refunds  domain.RefundRepository
	products domain.ProductRepository
	tx       domain.Transactor
}

func noClose(context.Context) error { return nil }

// openStore memory 只用于本地联调，重启即丢数据
func openStore(cfg *bootstrap.Config) (*stores, func(context.Context) error, error) {
	switch cfg.App.Store {
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on restart")
		products := make([]domain.Product, len(infrastructure.DefaultProducts))
		copy(products, infrastructure.DefaultProducts)
		m := infrastructure.NewMemoryStore(products...)
		return &stores{orders: m.Orders(), records: m.PaymentRecords(), refunds: m.Refunds(), products: m.Products(), tx: m}, noClose, nil
	case "mysql", "":
		db, err := infrastructure.OpenMySQL(infrastructure.MySQLConfig{
			DSN:             cfg.Infra.MySQL.DSN,
			MaxOpenConns:    cfg.Infra.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Infra.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Infra.MySQL.ConnMaxLifetime,
			AutoMigrate:     cfg.Infra.MySQL.AutoMigrate,
		})
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, errors.Wrap(err, "mysql pool")
		}
		return &stores{
			orders:   infrastructure.NewGormOrderRepository(db),
			records:  infrastructure.NewGormPaymentRecordRepository(db),
			refunds:  infrastructure.NewGormRefundRepository(db),
			products: infrastructure.NewGormProductRepository(db),
			tx:       infrastructure.NewGormTransactor(db),
		}, func(context.Context) error { return sqlDB.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown store %q", cfg.App.Store)
	}
}

// openLocker 多实例部署时必须使用 redis 或 zookeeper
func openLocker(cfg *bootstrap.Config) (lock.Locker, func(context.Context) error, error) {
	switch cfg.Lock.Backend {
	case "local", "":
		return lock.NewLocalLocker(), noClose, nil
	case "redis":
		client, err := redis.NewClient(cfg.Infra.Redis.Addrs)
		if err != nil {
			return nil, nil, err
		}
		l, err := lock.NewRedisLocker(client, "paynexus:lock:", cfg.Lock.TTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return l, func(context.Context) error { return client.Close() }, nil
	case "zookeeper":
		conn, _, err := zk.Connect(strings.Split(cfg.Infra.Zookeeper.Servers, ","), cfg.Infra.Zookeeper.Timeout)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect zookeeper")
		}
		l, err := lock.NewZkLocker(conn, "")
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return l, func(context.Context) error { conn.Close(); return nil }, nil
	default:
		return nil, nil, errors.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

func openWxPay(cfg *bootstrap.Config) (*wechatpay.Signer, *wechatpay.Verifier, *wechatpay.Decryptor, error) {
	key, err := wechatpay.LoadPrivateKeyFile(cfg.WxPay.PrivateKeyPath)
	if err != nil {
		return nil, nil, nil, err
	}
	keys := wechatpay.NewKeyRegistry()
	for serial, path := range cfg.WxPay.PlatformCerts {
		if err := keys.AddPEMFile(serial, path); err != nil {
			return nil, nil, nil, err
		}
	}
	decryptor, err := wechatpay.NewDecryptor(cfg.WxPay.APIv3Key)
	if err != nil {
		return nil, nil, nil, err
	}
	signer := wechatpay.NewSigner(cfg.WxPay.MchID, cfg.WxPay.MchSerialNo, key)
	verifier := wechatpay.NewVerifier(keys, wechatpay.WithMaxClockSkew(cfg.Notify.MaxClockSkew))
	return signer, verifier, decryptor, nil
}
