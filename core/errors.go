package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportFailure 请求未能完成 (网络层错误)，按 5xx 处理
	ErrTransportFailure = errors.New("transport failure")
)

// ConfigurationError 构造阶段的配置错误 (没有可用的 Key)
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "quota client configuration: " + e.Reason
}

// AllKeysExhaustedError 重试预算耗尽仍未成功
type AllKeysExhaustedError struct {
	Keys     int
	Attempts int
}

func (e *AllKeysExhaustedError) Error() string {
	return fmt.Sprintf("all %d API keys exhausted or failed after %d attempts, try again after the quota reset", e.Keys, e.Attempts)
}

// IsAllKeysExhausted 判断错误链中是否包含 AllKeysExhaustedError
func IsAllKeysExhausted(err error) bool {
	var target *AllKeysExhaustedError
	return errors.As(err, &target)
}
