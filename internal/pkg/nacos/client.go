// internal/pkg/nacos/client.go
package nacos

import (
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultGroup = "DEFAULT_GROUP"

// Options 描述一个 Nacos 集群
type Options struct {
	Addrs     string // "ip1:port1,ip2:port2"
	Namespace string
	Group     string
}

func (o Options) group() string {
	if o.Group == "" {
		return defaultGroup
	}
	return o.Group
}

// ParseServerConfigs 解析 "ip1:port1,ip2:port2"
func ParseServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(strings.TrimSpace(addr), ":")
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	return serverConfigs, nil
}

func (o Options) params() (vo.NacosClientParam, error) {
	serverConfigs, err := ParseServerConfigs(o.Addrs)
	if err != nil {
		return vo.NacosClientParam{}, err
	}
	if o.Namespace == "" {
		log.Warn().Msg("NACOS_NAMESPACE is not set, using the public namespace")
	}
	clientConfig := constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(o.Namespace),
	)
	return vo.NacosClientParam{ClientConfig: clientConfig, ServerConfigs: serverConfigs}, nil
}

// Client 封装了 Nacos 命名客户端
type Client struct {
	namingClient naming_client.INamingClient
	groupName    string
}

// NewNacosClient 创建命名服务客户端
func NewNacosClient(opts Options) (*Client, error) {
	params, err := opts.params()
	if err != nil {
		return nil, err
	}
	namingClient, err := clients.NewNamingClient(params)
	if err != nil {
		return nil, errors.Wrap(err, "create nacos naming client")
	}
	return &Client{namingClient: namingClient, groupName: opts.group()}, nil
}

// RegisterServiceInstance 注册为临时实例，心跳断开后会自动摘除
func (c *Client) RegisterServiceInstance(serviceName, ip string, port int) error {
	success, err := c.namingClient.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		GroupName:   c.groupName,
	})
	if err != nil {
		return errors.Wrap(err, "register service with nacos")
	}
	if !success {
		return errors.Errorf("nacos registration was not successful for service: %s", serviceName)
	}
	log.Info().Str("service", serviceName).Str("ip", ip).Int("port", port).Msg("registered to nacos")
	return nil
}

// DeregisterServiceInstance 从 Nacos 注销一个服务实例
func (c *Client) DeregisterServiceInstance(serviceName, ip string, port int) error {
	_, err := c.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Ephemeral:   true,
		GroupName:   c.groupName,
	})
	if err != nil {
		return errors.Wrap(err, "deregister service from nacos")
	}
	log.Info().Str("service", serviceName).Msg("deregistered from nacos")
	return nil
}

// Close 关闭命名客户端
func (c *Client) Close() {
	c.namingClient.CloseClient()
}

// ConfigClient 封装了 Nacos 配置客户端
type ConfigClient struct {
	client    config_client.IConfigClient
	groupName string
}

func NewConfigClient(opts Options) (*ConfigClient, error) {
	params, err := opts.params()
	if err != nil {
		return nil, err
	}
	cc, err := clients.NewConfigClient(params)
	if err != nil {
		return nil, errors.Wrap(err, "create nacos config client")
	}
	return &ConfigClient{client: cc, groupName: opts.group()}, nil
}

// Get 拉取一次配置内容
func (c *ConfigClient) Get(dataID string) (string, error) {
	content, err := c.client.GetConfig(vo.ConfigParam{DataId: dataID, Group: c.groupName})
	if err != nil {
		return "", errors.Wrapf(err, "get nacos config %s", dataID)
	}
	return content, nil
}

// Listen 配置变更时回调 onChange
func (c *ConfigClient) Listen(dataID string, onChange func(content string)) error {
	err := c.client.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  c.groupName,
		OnChange: func(_, _, _, data string) {
			onChange(data)
		},
	})
	return errors.Wrapf(err, "listen nacos config %s", dataID)
}

func (c *ConfigClient) Close() {
	c.client.CloseClient()
}
