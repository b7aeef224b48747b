package main

import (
	"strconv"
	"time"

	"quota-gateway/core"
	"quota-gateway/core/gemini"
)

// Config 网关进程配置，全部来自环境变量
type Config struct {
	Port       int
	LogFile    string
	LogMaxSize int // MB

	ResetInterval time.Duration
	MaxRetries    int
	Verbose       bool

	KeystorePath   string
	KeystoreSecret string
	AdminToken     string

	RateLimitRPS   float64
	RateLimitBurst int

	BaseURL string
	Model   string
}

// loadConfig 从配置来源读取，缺失或无法解析的字段使用默认值
func loadConfig(src core.ConfigSource) Config {
	return Config{
		Port:       intOr(src, "PORT", 8000),
		LogFile:    stringOr(src, "LOG_FILE", ""),
		LogMaxSize: intOr(src, "LOG_MAX_SIZE_MB", 10),

		ResetInterval: durationOr(src, "QUOTA_RESET_INTERVAL", core.DefaultResetInterval),
		MaxRetries:    intOr(src, "QUOTA_MAX_RETRIES", 0),
		Verbose:       boolOr(src, "QUOTA_VERBOSE", false),

		KeystorePath:   stringOr(src, "KEYSTORE_PATH", "keystore.db"),
		KeystoreSecret: stringOr(src, "KEYSTORE_SECRET", ""),
		AdminToken:     stringOr(src, "ADMIN_TOKEN", ""),

		RateLimitRPS:   floatOr(src, "RATE_LIMIT_RPS", 10),
		RateLimitBurst: intOr(src, "RATE_LIMIT_BURST", 20),

		BaseURL: stringOr(src, "GEMINI_BASE_URL", gemini.DefaultBaseURL),
		Model:   stringOr(src, "GEMINI_MODEL", gemini.DefaultModel),
	}
}

// clientConfig 转换为 QuotaClient 配置
func (c Config) clientConfig() core.ClientConfig {
	return core.ClientConfig{
		ResetInterval: c.ResetInterval,
		MaxRetries:    c.MaxRetries,
		Verbose:       c.Verbose,
	}
}

func stringOr(src core.ConfigSource, name, def string) string {
	if v, ok := src.Lookup(name); ok && v != "" {
		return v
	}
	return def
}

func intOr(src core.ConfigSource, name string, def int) int {
	if v, ok := src.Lookup(name); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatOr(src core.ConfigSource, name string, def float64) float64 {
	if v, ok := src.Lookup(name); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func boolOr(src core.ConfigSource, name string, def bool) bool {
	if v, ok := src.Lookup(name); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// durationOr 支持 "90s" 形式，纯数字按秒处理
func durationOr(src core.ConfigSource, name string, def time.Duration) time.Duration {
	v, ok := src.Lookup(name)
	if !ok || v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
