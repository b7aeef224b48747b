package core

import (
	"fmt"
	"sync"
	"time"
)

// keySlot 单个 Key 的运行时状态，与 keys 下标一一对应
type keySlot struct {
	key              string
	requestCount     int64
	errorCount       int64
	quotaExhaustedAt *time.Time // nil 表示可用
}

// KeyPool Key 池 (线程安全)
// 轮询下标与每个 Key 的计数器都在同一把锁下维护
type KeyPool struct {
	mu           sync.Mutex
	slots        []keySlot
	current      int
	lastReset    time.Time
	totalRequest int64
}

func newKeyPool(keys []string, now time.Time) *KeyPool {
	slots := make([]keySlot, len(keys))
	for i, k := range keys {
		slots[i] = keySlot{key: k}
	}
	return &KeyPool{
		slots:     slots,
		lastReset: now,
	}
}

// Size 返回 Key 数量
func (p *KeyPool) Size() int {
	return len(p.slots)
}

// Current 返回当前下标、对应的 Key 以及是否处于配额耗尽状态
func (p *KeyPool) Current() (int, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[p.current]
	return p.current, s.key, s.quotaExhaustedAt != nil
}

// CurrentIndex 返回当前下标 (0-based)
func (p *KeyPool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Rotate 循环推进到下一个 Key
func (p *KeyPool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = (p.current + 1) % len(p.slots)
}

// advanceFrom 仅当当前下标仍为 idx 时推进
// 并发调用同时在 idx 上失败时只推进一次，避免跳过下一个 Key
func (p *KeyPool) advanceFrom(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == idx {
		p.current = (idx + 1) % len(p.slots)
	}
}

// MarkQuotaExceeded 429: 记录错误并标记配额耗尽
func (p *KeyPool) MarkQuotaExceeded(idx int, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[idx].errorCount++
	t := at
	p.slots[idx].quotaExhaustedAt = &t
}

// RecordError 5xx 或网络错误: 只累加错误数，不改变可用状态
func (p *KeyPool) RecordError(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[idx].errorCount++
}

// RecordSuccess 累加成功计数，返回全局成功总数
func (p *KeyPool) RecordSuccess(idx int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots[idx].requestCount++
	p.totalRequest++
	return p.totalRequest
}

// ClearExpired 距上次清理超过 interval 时统一清除所有耗尽标记
func (p *KeyPool) ClearExpired(now time.Time, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastReset) < interval {
		return false
	}
	for i := range p.slots {
		p.slots[i].quotaExhaustedAt = nil
	}
	p.lastReset = now
	return true
}

// Reset 清零所有计数、清除标记并回到第一个 Key；Key 列表保持不变
func (p *KeyPool) Reset(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		p.slots[i].requestCount = 0
		p.slots[i].errorCount = 0
		p.slots[i].quotaExhaustedAt = nil
	}
	p.current = 0
	p.lastReset = now
	p.totalRequest = 0
}

// ExhaustedAt 返回指定 Key 最近一次 429 的时间
func (p *KeyPool) ExhaustedAt(idx int) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.slots[idx].quotaExhaustedAt; t != nil {
		return *t, true
	}
	return time.Time{}, false
}

// Snapshot 生成只读统计快照，不修改任何状态
func (p *KeyPool) Snapshot(now time.Time) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	stats := Stats{
		CurrentKey:     p.current + 1,
		TotalKeys:      n,
		RequestCounts:  make([]int64, n),
		ErrorCounts:    make([]int64, n),
		QuotaExhausted: make([]string, 0),
		SinceReset:     now.Sub(p.lastReset),
	}
	for i, s := range p.slots {
		stats.RequestCounts[i] = s.requestCount
		stats.ErrorCounts[i] = s.errorCount
		stats.TotalRequests += s.requestCount
		stats.TotalErrors += s.errorCount
		if s.quotaExhaustedAt == nil {
			stats.ActiveKeys++
		} else {
			stats.QuotaExhausted = append(stats.QuotaExhausted, keyLabel(i))
		}
	}
	stats.SuccessRate = successRate(stats.TotalRequests, stats.TotalErrors)
	stats.Uptime = fmt.Sprintf("%ds", int64(stats.SinceReset/time.Second))
	return stats
}

func keyLabel(idx int) string {
	return fmt.Sprintf("Key %d", idx+1)
}

// ActiveCount 返回未被标记耗尽的 Key 数量
func (p *KeyPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.quotaExhaustedAt == nil {
			n++
		}
	}
	return n
}
