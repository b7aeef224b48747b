// Package gemini 在 QuotaClient 之上封装 Gemini generateContent 请求的构造与解析
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"quota-gateway/core"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash"

	maxErrorBody = 4 * 1024
)

var ErrNoCandidates = errors.New("gemini: no response generated")

// APIError 上游返回非 2xx (且未被 QuotaClient 重试) 时的错误
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: API error (%d): %s", e.Status, e.Body)
}

// Caller QuotaClient 的调用能力
type Caller interface {
	Call(ctx context.Context, endpoint string, opts core.RequestOptions) (*http.Response, error)
}

// Client Gemini 请求助手
type Client struct {
	caller       Caller
	baseURL      string
	defaultModel string
}

// NewClient baseURL / model 为空时使用默认值
func NewClient(caller Caller, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		caller:       caller,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: model,
	}
}

// DefaultModel 返回默认模型名
func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// GenerateText 纯文本 Prompt
func (c *Client) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	return c.generateText(ctx, model, GenerateRequest{
		Contents: []Content{{Parts: []Part{{Text: prompt}}}},
	})
}

// GenerateWithSystem 带 System Instruction 的文本生成
func (c *Client) GenerateWithSystem(ctx context.Context, system, prompt, model string) (string, error) {
	req := GenerateRequest{
		Contents: []Content{{Parts: []Part{{Text: prompt}}}},
	}
	if system != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: system}}}
	}
	return c.generateText(ctx, model, req)
}

// GenerateStructured 使用 JSON Schema 约束输出，并把结果解码到 out
// out 可以是 *json.RawMessage
func (c *Client) GenerateStructured(ctx context.Context, schema map[string]interface{}, prompt, model string, out interface{}) error {
	text, err := c.generateText(ctx, model, GenerateRequest{
		Contents: []Content{{Parts: []Part{{Text: prompt}}}},
		GenerationConfig: &GenerationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   SanitizeSchema(schema),
		},
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("gemini: decode structured output: %w", err)
	}
	return nil
}

// Classify 在给定类别中分类
func (c *Client) Classify(ctx context.Context, categories []string, prompt string) (*Classification, error) {
	enum := make([]interface{}, len(categories))
	for i, v := range categories {
		enum[i] = v
	}
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"category": map[string]interface{}{
				"type":        "string",
				"description": "The classified category",
				"enum":        enum,
			},
			"confidence": map[string]interface{}{
				"type":        "string",
				"description": "Confidence level: high, medium, or low",
				"enum":        []interface{}{"high", "medium", "low"},
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"description": "Brief explanation of the classification",
			},
		},
		"required": []interface{}{"category", "confidence", "reasoning"},
	}

	var result Classification
	if err := c.GenerateStructured(ctx, schema, "Classify the following: "+prompt, "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AnalyzeImage 图片 (base64) + 文本 Prompt
func (c *Client) AnalyzeImage(ctx context.Context, imageBase64, mimeType, prompt, model string) (string, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return c.generateText(ctx, model, GenerateRequest{
		Contents: []Content{{Parts: []Part{
			{Text: prompt},
			{InlineData: &InlineData{MimeType: mimeType, Data: imageBase64}},
		}}},
	})
}

// ListModels GET /models
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.caller.Call(ctx, c.baseURL+"/models", core.RequestOptions{
		Method: http.MethodGet,
		Header: jsonHeader(),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("gemini: decode models: %w", err)
	}
	if result.Models == nil {
		result.Models = []ModelInfo{}
	}
	return result.Models, nil
}

func (c *Client) generateText(ctx context.Context, model string, req GenerateRequest) (string, error) {
	resp, err := c.generate(ctx, model, req)
	if err != nil {
		return "", err
	}
	text, ok := resp.Text()
	if !ok {
		return "", ErrNoCandidates
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, model string, req GenerateRequest) (*GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	resp, err := c.caller.Call(ctx, c.endpoint(model, "generateContent"), core.RequestOptions{
		Method: http.MethodPost,
		Header: jsonHeader(),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	return &result, nil
}

// endpoint 拼接 {base}/models/{model}:{method}
func (c *Client) endpoint(model, method string) string {
	if model == "" {
		model = c.defaultModel
	}
	model = strings.TrimPrefix(model, "models/")
	return fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{Status: resp.StatusCode, Body: string(b)}
}
