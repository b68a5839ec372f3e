package model

import (
	"time"
)

// User 用户表（钱包余额所在行）
// balance 为最小货币单位，只允许对账子系统在退款事务内经行锁增加
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Email     string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"email"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "user"
}
