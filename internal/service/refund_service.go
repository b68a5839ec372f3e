package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"payrecon/internal/config"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/model"
	"payrecon/internal/repository"
	"payrecon/pkg/idgen"

	"gorm.io/gorm"
)

var ErrRefundRejected = errors.New("订单状态不允许退回钱包")

// RefundService 退款入钱包原语
//
// 适用场景：网关确认收款但订单已无法正常结算（状态损坏、长时间卡死、
// 网关状态无法解读）。钱不能消失，退回用户钱包是唯一安全出口。
type RefundService struct {
	db         *gorm.DB
	store      *cache.Store
	cfg        *config.Config
	orderRepo  *repository.OrderRepository
	userRepo   *repository.UserRepository
	outboxRepo *repository.OutboxRepository
	trackRepo  *repository.TrackRepository
}

func NewRefundService(
	db *gorm.DB,
	store *cache.Store,
	cfg *config.Config,
	orderRepo *repository.OrderRepository,
	userRepo *repository.UserRepository,
	trackRepo *repository.TrackRepository,
	outboxRepo *repository.OutboxRepository,
) *RefundService {
	return &RefundService{
		db:         db,
		store:      store,
		cfg:        cfg,
		orderRepo:  orderRepo,
		userRepo:   userRepo,
		trackRepo:  trackRepo,
		outboxRepo: outboxRepo,
	}
}

// RefundToWallet 把订单金额退回用户钱包
//
// 单事务内完成五件事，任何一步失败全部回滚：
//   1. FOR UPDATE 锁定用户行（并发退款串行化）
//   2. 余额增加 total_amount
//   3. 写入钱包流水（含交易前后余额）
//   4. 订单 → 已退回钱包（条件更新，防止并发结算/重复退款）
//   5. 消费关联 track（trackID 可为空，cache-only 降级场景）
//
// 订单已是终态时返回 ErrRefundRejected，余额分文不动。
func (s *RefundService) RefundToWallet(ctx context.Context, order *model.Order, trackID, reason string) error {
	if model.IsTerminalStatus(order.Status) {
		return fmt.Errorf("%w: trade_no=%s, status=%d", ErrRefundRejected, order.TradeNo, order.Status)
	}

	var balanceAfter int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, order.UserID)
		if err != nil {
			return err
		}

		if err := s.userRepo.IncreaseBalance(ctx, tx, user.ID, order.TotalAmount); err != nil {
			return err
		}
		balanceAfter = user.Balance + order.TotalAmount

		txn := &model.WalletTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        user.ID,
			TradeNo:       order.TradeNo,
			Amount:        order.TotalAmount,
			Type:          model.WalletTransactionTypeRefund,
			BalanceBefore: user.Balance,
			BalanceAfter:  balanceAfter,
			Remark:        fmt.Sprintf("对账退款: %s", reason),
		}
		if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
			return err
		}

		// 订单状态迁移失败说明有并发结算抢先，必须整体回滚
		if err := s.orderRepo.MarkRefundedToWallet(ctx, tx, order.TradeNo); err != nil {
			return err
		}

		if trackID != "" {
			if err := s.trackRepo.MarkUsed(ctx, tx, trackID); err != nil {
				// track 行丢失（入库曾失败，仅剩缓存备份）不阻塞退款
				if !errors.Is(err, repository.ErrTrackNotFound) {
					return err
				}
				log.Printf("[Refund] track 行不存在，跳过消费: track_id=%s, trade_no=%s", trackID, order.TradeNo)
			}
		}

		return writeEvent(ctx, s.outboxRepo, tx, s.cfg.Kafka.Topic.PaymentResult, model.EventRefundedToWallet, order.TradeNo, map[string]interface{}{
			"trade_no": order.TradeNo,
			"user_id":  order.UserID,
			"amount":   order.TotalAmount,
			"track_id": trackID,
			"reason":   reason,
		})
	})
	if err != nil {
		log.Printf("[Refund] 退款失败: trade_no=%s, err=%v", order.TradeNo, err)
		return err
	}

	// 提交后清理派生缓存，失败无害
	s.store.Forget(ctx, cache.KeyOrderSnapshot(order.TradeNo))
	s.store.Forget(ctx, cache.KeyInquiryFail(order.ID))

	log.Printf("[Refund] 已退回钱包: trade_no=%s, user_id=%d, amount=%d, balance_after=%d, reason=%s",
		order.TradeNo, order.UserID, order.TotalAmount, balanceAfter, reason)
	return nil
}
