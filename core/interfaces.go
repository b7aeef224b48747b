package core

import (
	"net/http"
)

// Transport 抽象底层 HTTP 调用 (DI)
// *http.Client 直接满足此接口；测试中可注入假实现
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// ConfigSource 抽象配置来源 (环境变量 / 数据库 / 测试用 map)
// 用于按名称查找 API Key 槽位
type ConfigSource interface {
	Lookup(name string) (string, bool)
}

// SecretProvider 抽象密钥加解密
// Key Store 读写凭证时自动加解密
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}
