package repository

import (
	"context"
	"errors"
	"time"

	"payrecon/internal/model"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrOrderStatusInvalid = errors.New("订单状态不合法")
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByTradeNo(ctx context.Context, tradeNo string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("trade_no = ?", tradeNo).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// updateStatus 条件更新是状态机的并发护栏：
// WHERE status = fromStatus 保证竞争中只有一方生效，
// RowsAffected == 0 即"迁移已被别人完成或状态不符"
func (r *OrderRepository) updateStatus(ctx context.Context, tx *gorm.DB, tradeNo string, fromStatus, toStatus int, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrOrderStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("trade_no = ? AND status = ?", tradeNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

// MarkPaid 待支付 → 已支付，写入支付时间与网关回执号
func (r *OrderRepository) MarkPaid(ctx context.Context, tx *gorm.DB, tradeNo, callbackNo string) error {
	now := time.Now()
	return r.updateStatus(ctx, tx, tradeNo, model.OrderStatusPending, model.OrderStatusPaid, map[string]interface{}{
		"paid_at":     &now,
		"callback_no": callbackNo,
	})
}

// MarkCancelled 待支付 → 已取消
func (r *OrderRepository) MarkCancelled(ctx context.Context, tx *gorm.DB, tradeNo string) error {
	return r.updateStatus(ctx, tx, tradeNo, model.OrderStatusPending, model.OrderStatusCancelled, nil)
}

// MarkRefundedToWallet 非终态 → 已退回钱包
// 先按待支付尝试，失败后按已取消尝试（深度恢复会退款已取消订单）
func (r *OrderRepository) MarkRefundedToWallet(ctx context.Context, tx *gorm.DB, tradeNo string) error {
	err := r.updateStatus(ctx, tx, tradeNo, model.OrderStatusPending, model.OrderStatusRefundedToWallet, nil)
	if errors.Is(err, ErrOrderStatusInvalid) {
		return r.updateStatus(ctx, tx, tradeNo, model.OrderStatusCancelled, model.OrderStatusRefundedToWallet, nil)
	}
	return err
}

// GetStuckOrders 查找带有未消费 track 的候选订单，恢复扫描入口
// EXISTS 子查询保证只扫描仍有活跃凭证的订单，新订单优先
func (r *OrderRepository) GetStuckOrders(ctx context.Context, statuses []int, since time.Time, limit int) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Where("created_at >= ?", since).
		Where("EXISTS (SELECT 1 FROM payment_tracks WHERE (payment_tracks.trade_no = pay_order.trade_no OR payment_tracks.order_id = pay_order.id) AND payment_tracks.is_used = ?)", false).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
