// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"paynexus/internal/pkg/nacos"
	"paynexus/internal/pkg/tracing"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Config *Config
}

// Runner 是随服务启停的后台任务，Run 阻塞到 ctx 结束
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc 把函数适配为 Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 注册服务自己的 HTTP 路由
	Runners          []Runner
	Closers          []func(ctx context.Context) error // 关停时逆序执行
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	// 1. Tracer
	var tp *sdktrace.TracerProvider
	if cfg.Infra.Jaeger.Endpoint != "" {
		var err error
		tp, err = tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize tracer provider")
		}
	}

	// 2. 服务注册，只在配置了 Nacos 时进行
	var (
		namingClient *nacos.Client
		ip           string
	)
	if addrs := getEnv("NACOS_SERVER_ADDRS", ""); addrs != "" {
		var err error
		namingClient, err = nacos.NewNacosClient(nacosOptions(addrs))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		if ip, err = GetOutboundIP(); err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Config: cfg})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	// 4. 后台任务
	runCtx, stopRunners := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, r := range info.Runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			if err := r.Run(runCtx); err != nil {
				log.Error().Err(err).Msg("runner exited with error")
			}
		}(r)
	}

	// 5. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Str("service", info.ServiceName).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// a. 先摘流量
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("error deregistering from nacos")
		}
		namingClient.Close()
	}
	if nacosConfigClient != nil {
		nacosConfigClient.Close()
	}

	// b. 停止接收请求
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error shutting down http server")
	}

	// c. 停止后台任务
	stopRunners()
	wg.Wait()

	// d. 释放资源
	for i := len(info.Closers) - 1; i >= 0; i-- {
		if err := info.Closers[i](ctx); err != nil {
			log.Error().Err(err).Msg("error releasing resource")
		}
	}

	// e. 发送缓冲的 trace
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("error shutting down tracer provider")
		}
	}

	log.Info().Str("service", info.ServiceName).Msg("gracefully shut down")
}

// GetOutboundIP 返回访问外网时使用的本机地址。UDP 拨号不发送数据。
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "dial udp")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
