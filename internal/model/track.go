package model

import (
	"time"
)

// PaymentTrack 支付追踪表
// 记录网关为每次支付尝试签发的一次性凭证（trackId / authority）
//
// 【重要】track 是"这笔网关交易是否已被消费"的唯一事实来源：
// 1. track_id 全局唯一（数据库唯一约束，不靠应用层判重）
// 2. is_used 只允许 false → true 一次，永不复用于其他结算
// 3. 行只在超过保留期后由清理任务删除，恢复扫描期间始终可查
type PaymentTrack struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TrackID       string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"track_id"`
	TradeNo       string     `gorm:"type:varchar(64);index" json:"trade_no"`
	OrderID       int64      `gorm:"index;not null;default:0" json:"order_id"`
	UserID        int64      `gorm:"index;not null;default:0" json:"user_id"`
	Amount        int64      `gorm:"not null;default:0" json:"amount"`
	PaymentMethod string     `gorm:"type:varchar(32);not null" json:"payment_method"`
	IsUsed        bool       `gorm:"index;not null;default:false" json:"is_used"`
	UsedAt        *time.Time `json:"used_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentTrack) TableName() string {
	return "payment_tracks"
}

// TrackStatistics track 总量统计，供清理工具和统计接口使用
type TrackStatistics struct {
	Total        int64 `json:"total"`
	Used         int64 `json:"used"`
	Unused       int64 `json:"unused"`
	Last24h      int64 `json:"last_24h"`
	UnusedOld48h int64 `json:"unused_old_48h"`
}
