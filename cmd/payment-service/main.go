// cmd/payment-service/main.go
package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"paynexus/internal/pkg/bootstrap"
	"paynexus/internal/pkg/httpclient"
	"paynexus/internal/pkg/logger"
	"paynexus/internal/pkg/mq"
	"paynexus/internal/service/payment/application"
	"paynexus/internal/service/payment/domain/port"
	"paynexus/internal/service/payment/infrastructure/adapter"
	"paynexus/internal/service/payment/interfaces"
)

const (
	serviceName = "payment-service"
	// 对账任务失败超过该次数进入死信主题
	maxRetries = 3
)

func main() {
	logger.Init(serviceName, "info")
	cfg, err := bootstrap.LoadConfig(serviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel)
	bootstrap.OnConfigChange(func(c *bootstrap.Config) { logger.SetLevel(c.App.LogLevel) })

	tracer := otel.Tracer(serviceName)
	var closers []func(ctx context.Context) error

	// 1. 存储与锁
	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.App.Store).Msg("failed to open store")
	}
	closers = append(closers, closeStore)

	locker, closeLocker, err := openLocker(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Lock.Backend).Msg("failed to open locker")
	}
	closers = append(closers, closeLocker)

	// 2. 微信支付
	signer, verifier, decryptor, err := openWxPay(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load wechatpay credentials")
	}
	gateway := adapter.NewWxPayGatewayAdapter(httpclient.NewClient(tracer), signer, verifier, adapter.WxPayConfig{
		AppID:        cfg.WxPay.AppID,
		Domain:       cfg.WxPay.Domain,
		NotifyDomain: cfg.WxPay.NotifyDomain,
		Timeout:      cfg.WxPay.Timeout,
	})

	// 3. 事件发布与延迟对账。未配置 Kafka 时只推送 websocket，对账只靠周期扫描
	hub := interfaces.NewStatusHub()
	publisher := adapter.FanoutPublisher{hub}
	var (
		scheduler port.ReconcileScheduler
		brokers   []string
		delayW    mq.MessageWriter
		dltW      mq.MessageWriter
	)
	if cfg.Infra.Kafka.Brokers != "" {
		brokers = strings.Split(cfg.Infra.Kafka.Brokers, ",")
		eventWriter := mq.NewKafkaWriter(brokers, adapter.PaymentEventsTopic)
		delayWriter := mq.NewKafkaWriter(brokers, cfg.Reconcile.DelayTopic)
		dltWriter := mq.NewKafkaWriter(brokers, adapter.ReconcileTopic+"-dlt")
		closers = append(closers,
			func(context.Context) error { return eventWriter.Close() },
			func(context.Context) error { return delayWriter.Close() },
			func(context.Context) error { return dltWriter.Close() },
		)
		publisher = append(publisher, adapter.NewEventKafkaAdapter(eventWriter))
		scheduler = adapter.NewSchedulerKafkaAdapter(delayWriter, cfg.Reconcile.Delay)
		delayW, dltW = delayWriter, dltWriter
	}

	// 4. 应用服务
	policy, err := application.NewRefundPolicy(cfg.Refund.AmountExpr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid refund policy")
	}
	orders := application.NewOrderLifecycle(st.orders, st.records, st.products, st.tx, locker, publisher, tracer)
	refunds := application.NewRefundLifecycle(st.refunds, orders, gateway, policy, st.tx, locker, publisher, tracer)
	reconciler := application.NewReconciler(st.orders, st.refunds, orders, refunds, gateway, application.ReconcileConfig{
		Interval:      cfg.Reconcile.Interval,
		OrderTimeout:  cfg.Reconcile.OrderTimeout,
		RefundTimeout: cfg.Reconcile.RefundTimeout,
		Concurrency:   cfg.Reconcile.Concurrency,
		BatchSize:     cfg.Reconcile.BatchSize,
		VerifyAmount:  cfg.Notify.VerifyAmount,
	}, tracer)
	processor := application.NewNotificationProcessor(verifier, decryptor, st.orders, orders, refunds, cfg.Notify.VerifyAmount, tracer)
	checkout := application.NewCheckoutService(st.orders, orders, refunds, gateway, scheduler, tracer)

	// 5. 后台任务
	runners := []bootstrap.Runner{reconciler, hub}
	if brokers != nil {
		groupID := cfg.Infra.Kafka.GroupID
		if groupID == "" {
			groupID = serviceName + "-reconcile"
		}
		reader := mq.NewKafkaReader(brokers, adapter.ReconcileTopic, groupID)
		runners = append(runners, interfaces.NewReconcileConsumerAdapter(reader, reconciler, mq.NewFailureHandler(delayW, dltW, maxRetries)))
	}

	handler := interfaces.NewPaymentHandler(checkout, application.NewBillService(gateway, tracer), processor, reconciler, hub)
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Runners: runners,
		Closers: closers,
	})
}
