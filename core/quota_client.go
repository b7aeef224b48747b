package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"quota-gateway/core/metrics"
)

const (
	// DefaultResetInterval 配额耗尽标记的统一清理周期
	DefaultResetInterval = 60 * time.Second

	// CredentialHeader Gemini 使用 x-goog-api-key 传递凭证
	CredentialHeader = "x-goog-api-key"

	statsEveryN = 10
)

// clientSeq 未命名客户端的编号
var clientSeq atomic.Int64

// ClientConfig QuotaClient 配置，零值字段使用默认值
type ClientConfig struct {
	ResetInterval time.Duration // 默认 60s
	MaxRetries    int           // 默认等于 Key 数量
	Verbose       bool
	Name          string // 指标标签，默认 client-N

	Logger    *logrus.Logger   // nil 时丢弃输出
	Transport Transport        // nil 时使用 NewHTTPClient()
	Clock     func() time.Time // nil 时使用 time.Now
}

// RequestOptions 调用方传入的请求参数
// Header 会被复制，凭证头总是覆盖同名字段
type RequestOptions struct {
	Method string
	Header http.Header
	Body   []byte
}

// QuotaClient 多 Key 轮询 + 配额故障转移的 HTTP 客户端
//
// 并发安全：Key 池状态由互斥锁保护，锁只在记账时持有，不跨越网络请求与退避等待。
// 并发调用会交错推进轮询下标，统计依旧准确。
type QuotaClient struct {
	name          string
	closed        atomic.Bool
	pool          *KeyPool
	resetInterval time.Duration
	maxRetries    int
	verbose       bool
	logger        *logrus.Logger
	transport     Transport
	now           func() time.Time
}

// NewQuotaClient 构造函数，过滤空白 Key 后至少需要一个
func NewQuotaClient(keys []string, cfg ClientConfig) (*QuotaClient, error) {
	filtered := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			filtered = append(filtered, k)
		}
	}
	if len(filtered) == 0 {
		return nil, &ConfigurationError{Reason: "at least one API key is required"}
	}

	c := &QuotaClient{
		name:          cfg.Name,
		resetInterval: cfg.ResetInterval,
		maxRetries:    cfg.MaxRetries,
		verbose:       cfg.Verbose,
		logger:        cfg.Logger,
		transport:     cfg.Transport,
		now:           cfg.Clock,
	}
	if c.name == "" {
		c.name = fmt.Sprintf("client-%d", clientSeq.Add(1))
	}
	if c.resetInterval <= 0 {
		c.resetInterval = DefaultResetInterval
	}
	if c.maxRetries <= 0 {
		c.maxRetries = len(filtered)
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetOutput(io.Discard)
	}
	if c.transport == nil {
		c.transport = NewHTTPClient()
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.pool = newKeyPool(filtered, c.now())
	c.reportActiveKeys(len(filtered))
	return c, nil
}

// Call 使用当前 Key 发起请求，遇到 429 / 5xx / 网络错误时轮换 Key 并退避重试
// 其余状态码 (包括 400 等客户端错误) 原样返回，由调用方解释
func (c *QuotaClient) Call(ctx context.Context, endpoint string, opts RequestOptions) (*http.Response, error) {
	c.checkQuotaReset()

	n := c.pool.Size()
	attempts := 0

	for attempts < c.maxRetries {
		idx, key, exhausted := c.pool.Current()
		label := fmt.Sprintf("Key %d/%d", idx+1, n)

		// 已知耗尽的 Key 直接跳过，不发请求也不退避
		if exhausted {
			c.debugf("⏭️ %s quota exhausted, skipping...", label)
			c.pool.advanceFrom(idx)
			metrics.RecordAttempt(metrics.OutcomeSkipped)
			attempts++
			continue
		}

		req, err := c.newRequest(ctx, endpoint, opts, key)
		if err != nil {
			return nil, err
		}

		resp, err := c.transport.Do(req)
		var outcome string
		switch {
		case err != nil:
			c.pool.RecordError(idx)
			outcome = metrics.OutcomeTransport
			c.warnf("❌ %s request failed: %v", label, fmt.Errorf("%w: %v", ErrTransportFailure, err))
		case resp.StatusCode == http.StatusTooManyRequests:
			discardBody(resp)
			c.pool.MarkQuotaExceeded(idx, c.now())
			c.reportActiveKeys(c.pool.ActiveCount())
			outcome = metrics.OutcomeQuotaExceeded
			c.warnf("⚠️ %s quota exceeded (429), rotating...", label)
		case resp.StatusCode >= http.StatusInternalServerError:
			discardBody(resp)
			c.pool.RecordError(idx)
			outcome = metrics.OutcomeServerError
			c.warnf("⚠️ %s server error (%d), rotating...", label, resp.StatusCode)
		default:
			total := c.pool.RecordSuccess(idx)
			metrics.RecordAttempt(metrics.OutcomeSuccess)
			c.debugf("✅ %s request #%d successful (status %d)", label, total, resp.StatusCode)
			if c.verbose && total%statsEveryN == 0 {
				c.PrintStats()
			}
			return resp, nil
		}

		metrics.RecordAttempt(outcome)
		c.pool.advanceFrom(idx)
		attempts++

		// 最后一次尝试之后不再等待
		if attempts >= c.maxRetries {
			break
		}
		delay := backoffDelay(attempts)
		metrics.BackoffSeconds.Observe(delay.Seconds())
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}

	metrics.ExhaustedCallsTotal.Inc()
	c.logger.Errorf("💀 All %d API keys exhausted after %d attempts", n, attempts)
	return nil, &AllKeysExhaustedError{Keys: n, Attempts: attempts}
}

// newRequest 构造单次尝试的请求，合并调用方 Header 并注入凭证
func (c *QuotaClient) newRequest(ctx context.Context, endpoint string, opts RequestOptions, key string) (*http.Request, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("quota client: create request: %w", err)
	}
	for k, vals := range opts.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(CredentialHeader, key)
	return req, nil
}

// checkQuotaReset 超过重置周期后统一清除所有耗尽标记
func (c *QuotaClient) checkQuotaReset() {
	if c.pool.ClearExpired(c.now(), c.resetInterval) {
		metrics.QuotaResetsTotal.Inc()
		c.reportActiveKeys(c.pool.Size())
		c.debugf("🔄 Quota reset interval passed, all keys available")
	}
}

// Name 指标标签中的客户端名称
func (c *QuotaClient) Name() string {
	return c.name
}

// Close 停止向共享指标写入；被替换的客户端上仍在进行的调用不再覆盖新客户端的数值
// Close 之后 Call 依旧可用
func (c *QuotaClient) Close() {
	c.closed.Store(true)
}

// PublishMetrics 按当前状态重新写入活跃 Key 指标
func (c *QuotaClient) PublishMetrics() {
	c.reportActiveKeys(c.pool.ActiveCount())
}

func (c *QuotaClient) reportActiveKeys(n int) {
	if !c.closed.Load() {
		metrics.SetActiveKeys(c.name, n)
	}
}

// RotateKey 循环切换到下一个 Key (纯记账，无 I/O)
func (c *QuotaClient) RotateKey() {
	c.pool.Rotate()
}

// CurrentIndex 返回当前 Key 下标 (0-based)
func (c *QuotaClient) CurrentIndex() int {
	return c.pool.CurrentIndex()
}

// KeyCount 返回 Key 数量
func (c *QuotaClient) KeyCount() int {
	return c.pool.Size()
}

// QuotaExhaustedAt 返回第 idx 个 Key 最近一次 429 的时间
func (c *QuotaClient) QuotaExhaustedAt(idx int) (time.Time, bool) {
	if idx < 0 || idx >= c.pool.Size() {
		return time.Time{}, false
	}
	return c.pool.ExhaustedAt(idx)
}

// Stats 返回统计快照
func (c *QuotaClient) Stats() Stats {
	return c.pool.Snapshot(c.now())
}

// ResetStats 清零计数、清除标记并回到第一个 Key
func (c *QuotaClient) ResetStats() {
	c.pool.Reset(c.now())
	c.reportActiveKeys(c.pool.Size())
}

// PrintStats 通过 logger 输出统计信息
func (c *QuotaClient) PrintStats() {
	s := c.Stats()

	c.logger.Info("--- API Quota Stats ---")
	c.logger.Infof("   Current: Key %d/%d", s.CurrentKey, s.TotalKeys)
	c.logger.Infof("   Active Keys: %d/%d", s.ActiveKeys, s.TotalKeys)
	c.logger.Infof("   Total Requests: %d", s.TotalRequests)
	c.logger.Infof("   Total Errors: %d", s.TotalErrors)
	c.logger.Infof("   Success Rate: %s", s.SuccessRate)
	c.logger.Infof("   Since Last Reset: %s", s.Uptime)
	if len(s.QuotaExhausted) > 0 {
		c.logger.Infof("   Quota Exhausted: %s", strings.Join(s.QuotaExhausted, ", "))
	}
	for i := range s.RequestCounts {
		c.logger.WithFields(logrus.Fields{
			"key":      keyLabel(i),
			"requests": s.RequestCounts[i],
			"errors":   s.ErrorCounts[i],
		}).Info("   Per-key breakdown")
	}
}

func (c *QuotaClient) debugf(format string, args ...interface{}) {
	if c.verbose {
		c.logger.Infof(format, args...)
	}
}

func (c *QuotaClient) warnf(format string, args ...interface{}) {
	if c.verbose {
		c.logger.Warnf(format, args...)
	}
}

// discardBody 读完并关闭失败响应，便于连接复用
func discardBody(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
