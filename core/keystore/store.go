// Package keystore 基于 sqlite 的凭证槽位存储，实现 core.ConfigSource
package keystore

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quota-gateway/core"
	"quota-gateway/models"
)

var ErrSlotNotFound = errors.New("credential slot not found")

// Store 凭证槽位存储
type Store struct {
	db      *gorm.DB
	secrets core.SecretProvider
	logger  *logrus.Logger
}

// Open 打开 (或创建) sqlite 数据库并迁移表结构
func Open(path string, secrets core.SecretProvider, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	// 只记录错误，不打印 SQL 语句；槽位缺失是正常情况
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	return New(db, secrets, log)
}

// New 使用已有的 gorm 连接
func New(db *gorm.DB, secrets core.SecretProvider, log *logrus.Logger) (*Store, error) {
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("keystore: migrate: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{db: db, secrets: secrets, logger: log}, nil
}

// Put 加密后写入槽位，已存在则覆盖
func (s *Store) Put(name, value string) error {
	sealed, err := s.secrets.Encrypt(value)
	if err != nil {
		return fmt.Errorf("keystore: encrypt %s: %w", name, err)
	}

	slot, found, err := s.find(name)
	switch {
	case err != nil:
		return fmt.Errorf("keystore: load %s: %w", name, err)
	case !found:
		slot = models.CredentialSlot{Name: name, Value: sealed}
		if err := s.db.Create(&slot).Error; err != nil {
			return fmt.Errorf("keystore: create %s: %w", name, err)
		}
	default:
		slot.Value = sealed
		if err := s.db.Save(&slot).Error; err != nil {
			return fmt.Errorf("keystore: update %s: %w", name, err)
		}
	}
	return nil
}

// Delete 物理删除槽位 (Name 上有唯一索引，软删除会阻止重新写入)
func (s *Store) Delete(name string) error {
	res := s.db.Unscoped().Where("name = ?", name).Delete(&models.CredentialSlot{})
	if res.Error != nil {
		return fmt.Errorf("keystore: delete %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Names 列出所有槽位名称 (不含值)
func (s *Store) Names() ([]string, error) {
	var names []string
	if err := s.db.Model(&models.CredentialSlot{}).Order("name").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	return names, nil
}

// Lookup 实现 core.ConfigSource；读取或解密失败视为不存在
func (s *Store) Lookup(name string) (string, bool) {
	slot, found, err := s.find(name)
	if err != nil {
		s.logger.Errorf("[KeyStore] Failed to load slot %s: %v", name, err)
		return "", false
	}
	if !found {
		return "", false
	}

	value, err := s.secrets.Decrypt(slot.Value)
	if err != nil {
		s.logger.Errorf("[KeyStore] Failed to decrypt slot %s: %v", name, err)
		return "", false
	}
	return value, true
}

// find 用 Limit(1).Find 查询，缺失时不产生 ErrRecordNotFound
func (s *Store) find(name string) (models.CredentialSlot, bool, error) {
	var slot models.CredentialSlot
	res := s.db.Where("name = ?", name).Limit(1).Find(&slot)
	if res.Error != nil {
		return slot, false, res.Error
	}
	return slot, res.RowsAffected > 0, nil
}
