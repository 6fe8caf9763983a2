// internal/pkg/redis/client.go
package redis

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Client 封装 go-redis 的 UniversalClient，并维护已加载的 Lua 脚本
type Client struct {
	client  goredis.UniversalClient
	scripts map[string]*goredis.Script
	mu      sync.RWMutex
}

// NewClient addrs 格式为 "host1:port1,host2:port2"，多个地址时使用集群模式
func NewClient(addrs string) (*Client, error) {
	uc := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs: strings.Split(addrs, ","),
	})
	if err := uc.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrapf(err, "redis ping %s", addrs)
	}
	return NewClientFrom(uc), nil
}

// NewClientFrom 包装一个已有的 go-redis 客户端
func NewClientFrom(uc goredis.UniversalClient) *Client {
	return &Client{client: uc, scripts: make(map[string]*goredis.Script)}
}

// GetClient 返回底层客户端
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

// LoadScriptFromContent 注册并预加载一个 Lua 脚本
func (c *Client) LoadScriptFromContent(name, content string) error {
	script := goredis.NewScript(content)
	if err := script.Load(context.Background(), c.client).Err(); err != nil {
		return errors.Wrapf(err, "load script %s", name)
	}
	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本，EVALSHA 未命中时自动回退到 EVAL
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("script %s not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

func (c *Client) Close() error {
	return c.client.Close()
}
