package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quota-gateway/core"
	"quota-gateway/core/gemini"
	"quota-gateway/core/keystore"
	"quota-gateway/models"
)

// statsPushInterval /stats/ws 推送间隔
var statsPushInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// writeError 把错误映射为 HTTP 状态码与 OpenAI 风格错误体
// 上游 4xx/5xx 原样透传，其余上游状态 (1xx/3xx) 按 502 处理
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var apiErr *gemini.APIError
	var cfgErr *core.ConfigurationError
	switch {
	case core.IsAllKeysExhausted(err):
		c.JSON(http.StatusServiceUnavailable, models.NewError("quota_exhausted", err.Error()))
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status <= 599:
		c.JSON(apiErr.Status, models.NewError("upstream_error", err.Error()))
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, models.NewError("configuration_error", err.Error()))
	default:
		c.JSON(http.StatusBadGateway, models.NewError("upstream_error", err.Error()))
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.NewError("invalid_request_error", err.Error()))
}

func modelOrDefault(model string, g *gemini.Client) string {
	if model == "" {
		return g.DefaultModel()
	}
	return model
}

// handleGenerate POST /v1/generate
func handleGenerate(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.GenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		g := gw.Gemini()
		var (
			text string
			err  error
		)
		if req.System != "" {
			text, err = g.GenerateWithSystem(c.Request.Context(), req.System, req.Prompt, req.Model)
		} else {
			text, err = g.GenerateText(c.Request.Context(), req.Prompt, req.Model)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.GenerateResponse{Text: text, Model: modelOrDefault(req.Model, g)})
	}
}

// handleStructured POST /v1/structured
func handleStructured(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StructuredRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		g := gw.Gemini()
		var result json.RawMessage
		if err := g.GenerateStructured(c.Request.Context(), req.Schema, req.Prompt, req.Model, &result); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.StructuredResponse{Result: result, Model: modelOrDefault(req.Model, g)})
	}
}

// handleClassify POST /v1/classify
func handleClassify(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ClassifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		res, err := gw.Gemini().Classify(c.Request.Context(), req.Categories, req.Prompt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// handleImage POST /v1/image
func handleImage(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		g := gw.Gemini()
		text, err := g.AnalyzeImage(c.Request.Context(), req.Image, req.MimeType, req.Prompt, req.Model)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.GenerateResponse{Text: text, Model: modelOrDefault(req.Model, g)})
	}
}

// handleModels GET /v1/models
func handleModels(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := gw.Gemini().ListModels(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": list})
	}
}

// handleStats GET /stats
func handleStats(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gw.Client().Stats())
	}
}

// handleStatsWS GET /stats/ws 每秒推送一次统计快照，直到客户端断开
func handleStatsWS(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade 已经写回了错误响应
			return
		}
		defer conn.Close()

		// 读循环只用于感知断开
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(statsPushInterval)
		defer ticker.Stop()

		for {
			if err := conn.WriteJSON(gw.Client().Stats()); err != nil {
				return
			}
			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// handleResetStats POST /admin/stats/reset
func handleResetStats(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := gw.Client()
		client.ResetStats()
		c.JSON(http.StatusOK, models.NewSuccessResponse("Stats reset", client.Stats()))
	}
}

// handleListKeys GET /admin/keys 只返回槽位名称
func handleListKeys(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := gw.Store().Names()
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewError("server_error", err.Error()))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("OK", gin.H{
			"slots":      names,
			"total_keys": gw.Client().KeyCount(),
		}))
	}
}

// handlePutKey POST /admin/keys 写入槽位，需要 /admin/reload 后生效
func handlePutKey(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.PutKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		if !core.IsKeySlotName(req.Name) {
			c.JSON(http.StatusBadRequest, models.NewError("invalid_request_error",
				"name must be GEMINI_KEY_1 ... GEMINI_KEY_10 or GEMINI_API_KEY"))
			return
		}

		if err := gw.Store().Put(req.Name, req.Value); err != nil {
			c.JSON(http.StatusInternalServerError, models.NewError("server_error", err.Error()))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Key stored", gin.H{
			"name":  req.Name,
			"value": models.MaskAPIKey(req.Value),
		}))
	}
}

// handleDeleteKey DELETE /admin/keys/:name
func handleDeleteKey(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		err := gw.Store().Delete(name)
		switch {
		case errors.Is(err, keystore.ErrSlotNotFound):
			c.JSON(http.StatusNotFound, models.NewError("not_found_error", "Key slot not found: "+name))
		case err != nil:
			c.JSON(http.StatusInternalServerError, models.NewError("server_error", err.Error()))
		default:
			c.JSON(http.StatusOK, models.NewSuccessResponse("Key deleted", gin.H{"name": name}))
		}
	}
}

// handleReload POST /admin/reload 从配置来源重建客户端
func handleReload(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := gw.Reload()
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Reloaded", gin.H{"total_keys": n}))
	}
}

// handleHealth GET /health，全部 Key 耗尽时为 degraded
func handleHealth(gw *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := gw.Client().Stats()
		status := "healthy"
		if s.ActiveKeys == 0 {
			status = "degraded"
		}
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:     status,
			TotalKeys:  s.TotalKeys,
			ActiveKeys: s.ActiveKeys,
			Timestamp:  time.Now().Unix(),
		})
	}
}
