package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// NumberedKeyPrefix 编号槽位 GEMINI_KEY_1 ... GEMINI_KEY_10
	NumberedKeyPrefix = "GEMINI_KEY_"
	// FallbackKeyName 没有编号槽位时的单 Key 名称
	FallbackKeyName = "GEMINI_API_KEY"

	maxNumberedKeys = 10
)

// EnvSource 从进程环境变量读取
type EnvSource struct{}

func (EnvSource) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// MapSource 基于 map 的配置来源，主要用于测试
type MapSource map[string]string

func (m MapSource) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// ChainSource 依次查询多个来源，第一个非空值生效
type ChainSource []ConfigSource

func (c ChainSource) Lookup(name string) (string, bool) {
	for _, src := range c {
		if src == nil {
			continue
		}
		if v, ok := src.Lookup(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// CollectKeys 扫描编号槽位，找不到时回退到 GEMINI_API_KEY
func CollectKeys(src ConfigSource) ([]string, error) {
	keys, _, err := collectKeys(src)
	return keys, err
}

func collectKeys(src ConfigSource) ([]string, bool, error) {
	fallback := false
	keys := make([]string, 0, maxNumberedKeys)
	for i := 1; i <= maxNumberedKeys; i++ {
		if v, ok := src.Lookup(fmt.Sprintf("%s%d", NumberedKeyPrefix, i)); ok && v != "" {
			keys = append(keys, v)
		}
	}
	if len(keys) == 0 {
		if v, ok := src.Lookup(FallbackKeyName); ok && v != "" {
			keys = append(keys, v)
			fallback = true
		}
	}
	if len(keys) == 0 {
		return nil, false, &ConfigurationError{
			Reason: fmt.Sprintf("no API keys found, set %s1, %s2, ... or %s", NumberedKeyPrefix, NumberedKeyPrefix, FallbackKeyName),
		}
	}
	return keys, fallback, nil
}

// NewQuotaClientFromSource 从配置来源收集 Key 并构造客户端
func NewQuotaClientFromSource(src ConfigSource, cfg ClientConfig) (*QuotaClient, error) {
	keys, fallback, err := collectKeys(src)
	if err != nil {
		return nil, err
	}
	c, err := NewQuotaClient(keys, cfg)
	if err != nil {
		return nil, err
	}
	if fallback {
		c.logger.Warnf("No %s* found, using single %s", NumberedKeyPrefix, FallbackKeyName)
	}
	c.logger.Infof("QuotaClient initialized with %d key(s)", c.KeyCount())
	return c, nil
}

// IsKeySlotName 判断名称是否为 CollectKeys 会读取的槽位
func IsKeySlotName(name string) bool {
	if name == FallbackKeyName {
		return true
	}
	if !strings.HasPrefix(name, NumberedKeyPrefix) {
		return false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, NumberedKeyPrefix))
	return err == nil && n >= 1 && n <= maxNumberedKeys
}
