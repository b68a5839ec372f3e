package model

import (
	"time"
)

// ============================================================================
// 订单状态机
// ============================================================================
//
// 状态值与历史数据绑定，禁止重新编号：
//   0 = 待支付  2 = 已取消  3 = 已支付  4 = 已退回钱包
//
// 3 和 4 是终态，对账子系统不再改动此类订单。
// 0 → 2 不是终态：深度恢复扫描仍会检查已取消订单遗留的 track。
const (
	OrderStatusPending          = 0
	OrderStatusCancelled        = 2
	OrderStatusPaid             = 3
	OrderStatusRefundedToWallet = 4
)

var validOrderTransitions = map[int][]int{
	OrderStatusPending:   {OrderStatusCancelled, OrderStatusPaid, OrderStatusRefundedToWallet},
	OrderStatusCancelled: {OrderStatusRefundedToWallet},
}

// CanTransitionTo 校验订单状态迁移是否合法
func CanTransitionTo(currentStatus, targetStatus int) bool {
	allowed, exists := validOrderTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus 终态订单不再参与结算
func IsTerminalStatus(status int) bool {
	return status == OrderStatusPaid || status == OrderStatusRefundedToWallet
}

// Order 订单表
// total_amount / balance_amount 均为最小货币单位（托曼）
type Order struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TradeNo       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"trade_no"`
	UserID        int64      `gorm:"index;not null" json:"user_id"`
	TotalAmount   int64      `gorm:"not null" json:"total_amount"`
	BalanceAmount int64      `gorm:"not null;default:0" json:"balance_amount"`
	Status        int        `gorm:"index;not null;default:0" json:"status"`
	PaymentMethod string     `gorm:"type:varchar(32)" json:"payment_method"`
	CallbackNo    string     `gorm:"type:varchar(128)" json:"callback_no"` // 网关回执号，结算时写入
	PaidAt        *time.Time `json:"paid_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "pay_order"
}

// AgeMinutes 订单从创建到现在的分钟数，恢复扫描的各阈值都基于它
func (o *Order) AgeMinutes(now time.Time) int {
	return int(now.Sub(o.CreatedAt).Minutes())
}
