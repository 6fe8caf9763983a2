// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"paynexus/internal/pkg/nacos"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Infra     InfraConfig     `yaml:"infra"`
	WxPay     WxPayConfig     `yaml:"wxpay"`
	Lock      LockConfig      `yaml:"lock"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Notify    NotifyConfig    `yaml:"notify"`
	Refund    RefundConfig    `yaml:"refund"`
}

type AppConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Store    string `yaml:"store"` // mysql | memory
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	GroupID string `yaml:"group_id"`
}

type ZookeeperConfig struct {
	Servers string        `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

type WxPayConfig struct {
	MchID          string            `yaml:"mch_id"`
	AppID          string            `yaml:"app_id"`
	MchSerialNo    string            `yaml:"mch_serial_no"`
	PrivateKeyPath string            `yaml:"private_key_path"`
	APIv3Key       string            `yaml:"api_v3_key"`
	PlatformCerts  map[string]string `yaml:"platform_certs"` // serial -> 公钥 PEM 文件
	Domain         string            `yaml:"domain"`
	NotifyDomain   string            `yaml:"notify_domain"`
	Timeout        time.Duration     `yaml:"timeout"`
}

type LockConfig struct {
	Backend string        `yaml:"backend"` // local | redis | zookeeper
	TTL     time.Duration `yaml:"ttl"`
}

type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	OrderTimeout  time.Duration `yaml:"order_timeout"`
	RefundTimeout time.Duration `yaml:"refund_timeout"`
	Concurrency   int           `yaml:"concurrency"`
	BatchSize     int           `yaml:"batch_size"`
	DelayTopic    string        `yaml:"delay_topic"`
	// Delay 下单后多久做一次延迟对账，需大于 OrderTimeout，否则对账时订单还不能关闭。
	// 实际投递时间取 min(主题延迟级别, Delay)。
	Delay         time.Duration `yaml:"delay"`
}

type NotifyConfig struct {
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
	VerifyAmount bool          `yaml:"verify_amount"`
}

type RefundConfig struct {
	AmountExpr string `yaml:"amount_expr"`
}

func defaultConfig() Config {
	return Config{
		App:   AppConfig{Port: 8090, LogLevel: "info", Store: "mysql"},
		Infra: InfraConfig{Jaeger: JaegerConfig{Endpoint: "http://localhost:14268/api/traces"}},
		WxPay: WxPayConfig{Domain: "https://api.mch.weixin.qq.com", Timeout: 10 * time.Second},
		Lock:  LockConfig{Backend: "local", TTL: 30 * time.Second},
		Reconcile: ReconcileConfig{
			Interval:      30 * time.Second,
			OrderTimeout:  5 * time.Minute,
			RefundTimeout: 5 * time.Minute,
			Concurrency:   4,
			BatchSize:     100,
			DelayTopic:    "delay_topic_10m",
			Delay:         6 * time.Minute,
		},
	}
}

var (
	current           atomic.Pointer[Config]
	listenersMu       sync.Mutex
	listeners         []func(*Config)
	nacosConfigClient *nacos.ConfigClient
)

// GetCurrentConfig 返回当前配置快照，未加载时返回默认配置
func GetCurrentConfig() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	c := defaultConfig()
	return &c
}

// OnConfigChange 注册远程配置变更回调
func OnConfigChange(fn func(*Config)) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	listeners = append(listeners, fn)
}

// ParseConfig 在默认值之上解析 YAML
func ParseConfig(data []byte) (*Config, error) {
	c := defaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	applyEnv(&c)
	return &c, nil
}

// LoadConfig 依次读取本地 YAML (CONFIG_PATH)、环境变量，
// 配置了 NACOS_SERVER_ADDRS 时以 Nacos 上 <service>.yaml 的内容为准并监听变更。
func LoadConfig(serviceName string) (*Config, error) {
	path := getEnv("CONFIG_PATH", "config/"+serviceName+".yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	if addrs := getEnv("NACOS_SERVER_ADDRS", ""); addrs != "" {
		remote, err := loadFromNacos(serviceName, nacosOptions(addrs))
		if err != nil {
			return nil, err
		}
		if remote != nil {
			cfg = remote
		}
	}
	current.Store(cfg)
	return cfg, nil
}

func nacosOptions(addrs string) nacos.Options {
	return nacos.Options{
		Addrs:     addrs,
		Namespace: getEnv("NACOS_NAMESPACE", ""),
		Group:     getEnv("NACOS_GROUP", "DEFAULT_GROUP"),
	}
}

func loadFromNacos(serviceName string, opts nacos.Options) (*Config, error) {
	cc, err := nacos.NewConfigClient(opts)
	if err != nil {
		return nil, err
	}
	nacosConfigClient = cc

	dataID := serviceName + ".yaml"
	content, err := cc.Get(dataID)
	if err != nil {
		return nil, err
	}
	err = cc.Listen(dataID, func(content string) {
		next, err := ParseConfig([]byte(content))
		if err != nil {
			log.Error().Err(err).Str("data_id", dataID).Msg("ignoring invalid remote config")
			return
		}
		current.Store(next)
		log.Info().Str("data_id", dataID).Msg("remote config reloaded")
		listenersMu.Lock()
		fns := append([]func(*Config){}, listeners...)
		listenersMu.Unlock()
		for _, fn := range fns {
			fn(next)
		}
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return ParseConfig([]byte(content))
}

// applyEnv 环境变量覆盖部署相关的配置项
func applyEnv(c *Config) {
	c.App.Port = getEnvInt("PORT", c.App.Port)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.Store = getEnv("STORE", c.App.Store)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", c.Infra.Kafka.Brokers)
	c.Infra.Zookeeper.Servers = getEnv("ZOOKEEPER_SERVERS", c.Infra.Zookeeper.Servers)
	c.WxPay.APIv3Key = getEnv("WXPAY_API_V3_KEY", c.WxPay.APIv3Key)
	c.WxPay.PrivateKeyPath = getEnv("WXPAY_PRIVATE_KEY_PATH", c.WxPay.PrivateKeyPath)
	c.WxPay.NotifyDomain = getEnv("WXPAY_NOTIFY_DOMAIN", c.WxPay.NotifyDomain)
	c.Lock.Backend = getEnv("LOCK_BACKEND", c.Lock.Backend)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer env override")
		return fallback
	}
	return n
}
