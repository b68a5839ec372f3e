package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/gateway"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/infrastructure/lock"
	"payrecon/internal/model"
	"payrecon/internal/repository"
	"payrecon/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ============================================================================
// 结算服务
// ============================================================================
//
// 处理网关回调通知，保证每笔网关交易至多结算一次。
//
// 幂等性由三层防线叠加，任何一层失效都不破坏正确性：
//   1. 快速判重：订单已终态 / 缓存 processed 标记 → 直接返回（优化层）
//   2. 分布式锁：同一订单的并发回调串行化（优化层，Redis 挂了照常往下走）
//   3. 数据库护栏：track 单向消费 + 订单条件更新（正确性兜底）

var errAlreadySettled = errors.New("订单已由并发方结算")

// NotifyResult 回调处理结果，渲染给用户并缓存供重放
type NotifyResult struct {
	Success          bool   `json:"success"`
	AlreadyProcessed bool   `json:"already_processed"`
	TradeNo          string `json:"trade_no"`
	Amount           int64  `json:"amount"`
	Message          string `json:"message,omitempty"`
}

type SettlementService struct {
	db          *gorm.DB
	redisClient *redis.Client
	store       *cache.Store
	cfg         *config.Config
	registry    *gateway.Registry
	orderRepo   *repository.OrderRepository
	trackRepo   *repository.TrackRepository
	outboxRepo  *repository.OutboxRepository
}

func NewSettlementService(
	db *gorm.DB,
	redisClient *redis.Client,
	store *cache.Store,
	cfg *config.Config,
	registry *gateway.Registry,
	orderRepo *repository.OrderRepository,
	trackRepo *repository.TrackRepository,
	outboxRepo *repository.OutboxRepository,
) *SettlementService {
	return &SettlementService{
		db:          db,
		redisClient: redisClient,
		store:       store,
		cfg:         cfg,
		registry:    registry,
		orderRepo:   orderRepo,
		trackRepo:   trackRepo,
		outboxRepo:  outboxRepo,
	}
}

// HandleNotify 处理一次支付回调
// 永远返回可渲染的结果，内部错误不向用户暴露细节
func (s *SettlementService) HandleNotify(ctx context.Context, method, tradeNo string, params url.Values) *NotifyResult {
	order, err := s.orderRepo.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		log.Printf("[Notify] 订单不存在: trade_no=%s, err=%v", tradeNo, err)
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "订单不存在"}
	}

	// 非待支付订单一律返回已处理，重放回调不再触碰网关。
	// 已取消订单也走这条路：真实到账由恢复扫描兜底，回调只负责展示
	if order.Status != model.OrderStatusPending {
		return &NotifyResult{
			Success:          true,
			AlreadyProcessed: true,
			TradeNo:          tradeNo,
			Amount:           order.TotalAmount,
		}
	}

	// 分布式锁串行化并发回调。Redis 故障时照常裸跑，
	// 正确性由下面的数据库护栏保证
	paymentLock := lock.NewPaymentLock(s.redisClient, tradeNo, idgen.GenerateLockToken())
	acquired, lockErr := paymentLock.TryLock(ctx)
	if lockErr != nil {
		log.Printf("[Notify] 锁不可用，降级为无锁结算: trade_no=%s, err=%v", tradeNo, lockErr)
	} else if !acquired {
		// 另一方正在结算，稍等后尝试返回它的结果
		time.Sleep(2 * time.Second)
		if cached, ok := s.cachedResult(ctx, tradeNo); ok {
			return cached
		}
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "订单正在处理中，请稍后查询"}
	}
	if acquired {
		defer func() {
			if err := paymentLock.Unlock(context.Background()); err != nil {
				log.Printf("[Notify] 释放锁失败（等待过期）: trade_no=%s, err=%v", tradeNo, err)
			}
		}()
	}

	g, err := s.registry.Resolve(method)
	if err != nil {
		log.Printf("[Notify] 支付方式不可用: method=%s, trade_no=%s, err=%v", method, tradeNo, err)
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "支付方式不可用"}
	}

	cb, err := g.ParseCallback(params)
	if err != nil {
		log.Printf("[Notify] 回调参数非法: trade_no=%s, err=%v", tradeNo, err)
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "回调参数不完整"}
	}
	if cb.TradeNo != "" && cb.TradeNo != tradeNo {
		log.Printf("[Notify] 回调订单号与路由不符: route=%s, callback=%s", tradeNo, cb.TradeNo)
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "回调参数不完整"}
	}
	if !cb.Succeeded {
		log.Printf("[Notify] 网关回调标记失败: trade_no=%s, track_id=%s", tradeNo, cb.TrackID)
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "支付未成功"}
	}

	// 凭证校验：先查 track 表，行丢失时回退缓存备份
	track, err := s.trackRepo.GetByTrackID(ctx, cb.TrackID)
	if err == nil {
		if track.IsUsed {
			log.Printf("[Notify] track 已被消费，拒绝重放: trade_no=%s, track_id=%s", tradeNo, cb.TrackID)
			return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "该支付凭证已被使用"}
		}
		if track.TradeNo != "" && track.TradeNo != tradeNo {
			log.Printf("[Notify] track 归属订单不符: trade_no=%s, track 属于 %s", tradeNo, track.TradeNo)
			return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "支付凭证无效"}
		}
	} else if errors.Is(err, repository.ErrTrackNotFound) {
		backup, ok := s.store.GetString(ctx, cache.KeyTrackBackup(method, tradeNo))
		if !ok || backup != cb.TrackID {
			log.Printf("[Notify] 未知 track，拒绝结算: trade_no=%s, track_id=%s", tradeNo, cb.TrackID)
			return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "支付凭证无效"}
		}
		log.Printf("[Notify] 警告: track 仅存缓存备份，降级放行: trade_no=%s, track_id=%s", tradeNo, cb.TrackID)
	} else {
		log.Printf("[Notify] 查询 track 失败: trade_no=%s, err=%v", tradeNo, err)
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "系统繁忙，请稍后查询"}
	}

	// 向网关确认交易并核对金额，确认失败一律不结算
	facts, err := g.Verify(ctx, cb.TrackID, order.TotalAmount)
	if err != nil {
		if errors.Is(err, gateway.ErrAmountMismatch) {
			log.Printf("[Notify] 严重: 金额不符，疑似篡改: trade_no=%s, track_id=%s", tradeNo, cb.TrackID)
		} else {
			log.Printf("[Notify] 网关确认失败: trade_no=%s, track_id=%s, err=%v", tradeNo, cb.TrackID, err)
		}
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "支付确认失败"}
	}

	if err := s.settle(ctx, order, cb.TrackID, facts); err != nil {
		if errors.Is(err, errAlreadySettled) {
			return &NotifyResult{Success: true, AlreadyProcessed: true, TradeNo: tradeNo, Amount: order.TotalAmount}
		}
		log.Printf("[Notify] 结算入库失败: trade_no=%s, err=%v", tradeNo, err)
		return &NotifyResult{Success: false, TradeNo: tradeNo, Message: "系统繁忙，请稍后查询"}
	}

	result := &NotifyResult{Success: true, TradeNo: tradeNo, Amount: order.TotalAmount}
	s.cacheResult(ctx, tradeNo, cb.TrackID, result)
	log.Printf("[Notify] 结算成功: trade_no=%s, track_id=%s, amount=%d, card=%s",
		tradeNo, cb.TrackID, order.TotalAmount, facts.MaskedCard)
	return result
}

// VerifyAndSettle 供恢复扫描使用：网关确认后补结算
func (s *SettlementService) VerifyAndSettle(ctx context.Context, g gateway.Gateway, order *model.Order, trackID string) error {
	facts, err := g.Verify(ctx, trackID, order.TotalAmount)
	if err != nil {
		return err
	}
	if err := s.settle(ctx, order, trackID, facts); err != nil {
		if errors.Is(err, errAlreadySettled) {
			return nil
		}
		return err
	}
	s.cacheResult(ctx, order.TradeNo, trackID, &NotifyResult{
		Success: true,
		TradeNo: order.TradeNo,
		Amount:  order.TotalAmount,
	})
	log.Printf("[Settle] 恢复补结算成功: trade_no=%s, track_id=%s, amount=%d", order.TradeNo, trackID, order.TotalAmount)
	return nil
}

// settle 结算原语：订单迁移 + track 消费 + 成功事件，单事务
//
// 条件更新抢不到行时重读订单：已支付视为并发方赢得结算（幂等成功），
// 其余状态为真实失败。
func (s *SettlementService) settle(ctx context.Context, order *model.Order, trackID string, facts *gateway.SettlementFacts) error {
	balanceOnly := order.TotalAmount == 0 && order.BalanceAmount > 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.MarkPaid(ctx, tx, order.TradeNo, facts.GatewayRefNo); err != nil {
			return err
		}

		if err := s.trackRepo.MarkUsed(ctx, tx, trackID); err != nil {
			if !errors.Is(err, repository.ErrTrackNotFound) {
				return err
			}
			log.Printf("[Settle] track 行不存在，跳过消费: track_id=%s, trade_no=%s", trackID, order.TradeNo)
		}

		return writeEvent(ctx, s.outboxRepo, tx, s.cfg.Kafka.Topic.PaymentResult, model.EventPaymentSucceeded, order.TradeNo, map[string]interface{}{
			"trade_no":       order.TradeNo,
			"user_id":        order.UserID,
			"amount":         order.TotalAmount,
			"balance_amount": order.BalanceAmount,
			"balance_only":   balanceOnly,
			"track_id":       trackID,
			"gateway_ref_no": facts.GatewayRefNo,
		})
	})
	if err == nil {
		if balanceOnly {
			log.Printf("[Settle] 余额全额支付订单结算: trade_no=%s, balance_amount=%d", order.TradeNo, order.BalanceAmount)
		}
		return nil
	}

	if errors.Is(err, repository.ErrOrderStatusInvalid) {
		current, rerr := s.orderRepo.GetByTradeNo(ctx, order.TradeNo)
		if rerr == nil && current.Status == model.OrderStatusPaid {
			return errAlreadySettled
		}
	}
	return err
}

// cacheResult 缓存结算结果与防重放标记，尽力而为
func (s *SettlementService) cacheResult(ctx context.Context, tradeNo, trackID string, result *NotifyResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	s.store.Put(ctx, cache.KeyPaymentResult(tradeNo), string(data), cache.TTLPaymentResult)
	s.store.Put(ctx, cache.KeyProcessed(tradeNo, trackID), "1", cache.TTLProcessedFlag)
	s.store.Forget(ctx, cache.KeyOrderSnapshot(tradeNo))
}

func (s *SettlementService) cachedResult(ctx context.Context, tradeNo string) (*NotifyResult, bool) {
	data, ok := s.store.GetString(ctx, cache.KeyPaymentResult(tradeNo))
	if !ok {
		return nil, false
	}
	var result NotifyResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, false
	}
	result.AlreadyProcessed = true
	return &result, true
}

// QueryResult 查询订单结算结果，先读缓存再落库
func (s *SettlementService) QueryResult(ctx context.Context, tradeNo string) (*NotifyResult, error) {
	if cached, ok := s.cachedResult(ctx, tradeNo); ok {
		return cached, nil
	}

	order, err := s.orderRepo.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		return nil, err
	}

	result := &NotifyResult{
		TradeNo: tradeNo,
		Amount:  order.TotalAmount,
	}
	switch order.Status {
	case model.OrderStatusPaid:
		result.Success = true
		result.AlreadyProcessed = true
	case model.OrderStatusRefundedToWallet:
		result.AlreadyProcessed = true
		result.Message = "订单金额已退回钱包"
	case model.OrderStatusCancelled:
		result.Message = "订单已取消"
	default:
		result.Message = "订单待支付"
	}
	return result, nil
}
