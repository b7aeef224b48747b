package models

import (
	"encoding/json"
	"time"
)

// GenerateRequest 文本生成请求
type GenerateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	System string `json:"system,omitempty"`
	Model  string `json:"model,omitempty"`
}

// GenerateResponse 文本生成响应
type GenerateResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// StructuredRequest 结构化输出请求，Schema 为 JSON Schema
type StructuredRequest struct {
	Prompt string                 `json:"prompt" binding:"required"`
	Schema map[string]interface{} `json:"schema" binding:"required"`
	Model  string                 `json:"model,omitempty"`
}

// StructuredResponse 结构化输出响应
type StructuredResponse struct {
	Result json.RawMessage `json:"result"`
	Model  string          `json:"model"`
}

// ClassifyRequest 枚举分类请求
type ClassifyRequest struct {
	Prompt     string   `json:"prompt" binding:"required"`
	Categories []string `json:"categories" binding:"required,min=1"`
}

// ImageRequest 图像分析请求，Image 为 base64 数据
type ImageRequest struct {
	Image    string `json:"image" binding:"required"`
	MimeType string `json:"mime_type,omitempty"`
	Prompt   string `json:"prompt" binding:"required"`
	Model    string `json:"model,omitempty"`
}

// PutKeyRequest 写入凭证槽位
type PutKeyRequest struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status     string `json:"status"`
	TotalKeys  int    `json:"total_keys"`
	ActiveKeys int    `json:"active_keys"`
	Timestamp  int64  `json:"timestamp"`
}

// APIResponse 通用API响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewError 创建 OpenAI 风格的错误体
func NewError(errType, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}
	if len(key) <= 4 {
		return key[:1] + "***"
	}
	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}
	return key[:3] + "***" + key[len(key)-4:]
}
