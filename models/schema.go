package models

import (
	"gorm.io/gorm"
)

// CredentialSlot Key Store 中的一个命名凭证槽位
// Name 对应配置名 (如 GEMINI_KEY_1)，Value 按 SecretProvider 加密存储
type CredentialSlot struct {
	gorm.Model
	Name  string `gorm:"uniqueIndex;not null" json:"name"`
	Value string `gorm:"not null" json:"-"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&CredentialSlot{})
}
