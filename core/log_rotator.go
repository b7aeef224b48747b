package core

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

const defaultLogMaxSizeMB = 10

var ErrLogClosed = errors.New("log rotator closed")

// LogRotator 按大小轮转的日志文件，只保留一个 .old 备份
type LogRotator struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	size    int64
}

// NewLogRotator maxSizeMB <= 0 时使用 10MB
func NewLogRotator(path string, maxSizeMB int) (*LogRotator, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultLogMaxSizeMB
	}
	r := &LogRotator{path: path, maxSize: int64(maxSizeMB) << 20}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("log rotator: open %s: %w", r.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log rotator: stat %s: %w", r.path, err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write 写入前超过上限则先轮转；空文件不轮转，单条超长日志照常写入
func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, ErrLogClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败时继续写当前文件
			fmt.Fprintf(os.Stderr, "⚠️ Log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate gateway.log -> gateway.log.old，再打开新的 gateway.log
func (r *LogRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	backup := r.path + ".old"
	_ = os.Remove(backup)
	if err := os.Rename(r.path, backup); err != nil {
		// 改名失败时重新打开原文件继续追加
		if openErr := r.open(); openErr != nil {
			return errors.Join(err, openErr)
		}
		return err
	}
	return r.open()
}

// Close 关闭后 Write 返回 ErrLogClosed
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
