package model

import (
	"time"
)

const (
	WalletTransactionTypeRefund = "REFUND" // 对账退款入账
)

// WalletTransaction 钱包流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每笔流水必须关联订单号 —— 便于对账
// 3. 记录交易前后余额 —— 便于校验余额一致性
type WalletTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	TradeNo       string    `gorm:"type:varchar(64);index;not null" json:"trade_no"`
	Amount        int64     `gorm:"not null" json:"amount"` // 正数入账
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}
