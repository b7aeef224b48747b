package core

import (
	"fmt"
	"time"
)

// Stats Key 池统计快照 (拷贝，不与内部状态共享)
type Stats struct {
	CurrentKey     int           `json:"current_key"` // 1-based
	TotalKeys      int           `json:"total_keys"`
	ActiveKeys     int           `json:"active_keys"`
	RequestCounts  []int64       `json:"request_counts"`
	ErrorCounts    []int64       `json:"error_counts"`
	TotalRequests  int64         `json:"total_requests"`
	TotalErrors    int64         `json:"total_errors"`
	SuccessRate    string        `json:"success_rate"`
	SinceReset     time.Duration `json:"-"`
	Uptime         string        `json:"uptime"`
	QuotaExhausted []string      `json:"quota_exhausted"`
}

// successRate (成功数 - 错误数) / 成功数，无请求时为 "N/A"
func successRate(requests, errs int64) string {
	if requests == 0 {
		return "N/A"
	}
	rate := float64(requests-errs) / float64(requests) * 100
	return fmt.Sprintf("%.1f%%", rate)
}
