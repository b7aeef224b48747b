package main

import (
	"sync"

	"github.com/sirupsen/logrus"

	"quota-gateway/core"
	"quota-gateway/core/gemini"
	"quota-gateway/core/keystore"
)

// clientMetricsName 所有代际的网关客户端共用一个指标标签
const clientMetricsName = "gateway"

// Gateway 持有当前生效的 QuotaClient，支持从配置来源热重载
type Gateway struct {
	mu     sync.RWMutex
	client *core.QuotaClient
	gemini *gemini.Client

	cfg    Config
	source core.ConfigSource
	store  *keystore.Store
	logger *logrus.Logger
}

// NewGateway 从配置来源收集 Key 并构造首个客户端
func NewGateway(cfg Config, source core.ConfigSource, store *keystore.Store, log *logrus.Logger) (*Gateway, error) {
	g := &Gateway{cfg: cfg, source: source, store: store, logger: log}
	if _, err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload 重新收集 Key 并替换客户端，失败时保留旧客户端
// 新客户端的统计从零开始
func (g *Gateway) Reload() (int, error) {
	cc := g.cfg.clientConfig()
	cc.Logger = g.logger
	cc.Name = clientMetricsName

	client, err := core.NewQuotaClientFromSource(g.source, cc)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	old := g.client
	g.client = client
	g.gemini = gemini.NewClient(client, g.cfg.BaseURL, g.cfg.Model)
	g.mu.Unlock()

	// 旧客户端上的在途请求不再改写指标
	if old != nil {
		old.Close()
		client.PublishMetrics()
	}

	g.logger.Infof("🔄 Gateway reloaded with %d key(s)", client.KeyCount())
	return client.KeyCount(), nil
}

// Client 当前的 QuotaClient
func (g *Gateway) Client() *core.QuotaClient {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client
}

// Gemini 当前的 Gemini 助手
func (g *Gateway) Gemini() *gemini.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gemini
}

// Store 凭证槽位存储
func (g *Gateway) Store() *keystore.Store {
	return g.store
}
