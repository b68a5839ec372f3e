package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/gateway"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/model"
	"payrecon/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// 恢复扫描
// ============================================================================
//
// 兜底拼图的最后一块：回调丢失、进程崩溃、网关抽风之后，
// 周期性扫描带有未消费 track 的非终态订单，向网关查询真实状态并收敛：
//   已支付   → 补结算
//   进行中   → 等待或过期
//   未发起/失败/用户取消 → 消费 track、取消订单
//   状态不明 → 超过退款时限后宁可退钱包也不丢钱
//
// 单个订单的任何异常（包括 panic）不能中断整轮扫描。

// SweepOptions 单轮扫描参数，0 值字段由配置默认值填充
type SweepOptions struct {
	RefundAfterMinutes   int
	CheckIntervalMinutes int
	ExpireAfterMinutes   int
	MarkOldUnusedMinutes int
	LookbackHours        int
	MaxInquiryFails      int
	BatchLimit           int
	IncludeCancelled     bool // 深度扫描：把已取消订单也纳入候选
	IncludeRefunded      bool // 深度扫描：检查已退钱包订单遗留的 track
	DryRun               bool // 只查询、只记日志，不写任何状态
}

// SweepStats 单轮扫描结果
type SweepStats struct {
	Checked   int `json:"checked"`
	Verified  int `json:"verified"`
	Refunded  int `json:"refunded"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type RecoveryService struct {
	db         *gorm.DB
	store      *cache.Store
	cfg        *config.Config
	registry   *gateway.Registry
	orderRepo  *repository.OrderRepository
	trackRepo  *repository.TrackRepository
	outboxRepo *repository.OutboxRepository
	settlement *SettlementService
	refund     *RefundService
}

func NewRecoveryService(
	db *gorm.DB,
	store *cache.Store,
	cfg *config.Config,
	registry *gateway.Registry,
	orderRepo *repository.OrderRepository,
	trackRepo *repository.TrackRepository,
	outboxRepo *repository.OutboxRepository,
	settlement *SettlementService,
	refund *RefundService,
) *RecoveryService {
	return &RecoveryService{
		db:         db,
		store:      store,
		cfg:        cfg,
		registry:   registry,
		orderRepo:  orderRepo,
		trackRepo:  trackRepo,
		outboxRepo: outboxRepo,
		settlement: settlement,
		refund:     refund,
	}
}

func (o *SweepOptions) applyDefaults(r *config.RecoveryConfig) {
	if o.RefundAfterMinutes <= 0 {
		o.RefundAfterMinutes = r.RefundAfterMinutes
	}
	if o.CheckIntervalMinutes <= 0 {
		o.CheckIntervalMinutes = r.CheckIntervalMinutes
	}
	if o.ExpireAfterMinutes <= 0 {
		o.ExpireAfterMinutes = r.ExpireAfterMinutes
	}
	if o.MarkOldUnusedMinutes <= 0 {
		o.MarkOldUnusedMinutes = r.MarkOldUnusedMinutes
	}
	if o.LookbackHours <= 0 {
		o.LookbackHours = r.LookbackHours
	}
	if o.MaxInquiryFails <= 0 {
		o.MaxInquiryFails = r.MaxInquiryFails
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = r.BatchLimit
	}
}

// RunSweep 执行一轮恢复扫描
func (s *RecoveryService) RunSweep(ctx context.Context, opts SweepOptions) (*SweepStats, error) {
	opts.applyDefaults(&s.cfg.Recovery)

	statuses := []int{model.OrderStatusPending}
	if opts.IncludeCancelled {
		statuses = append(statuses, model.OrderStatusCancelled)
	}
	if opts.IncludeRefunded {
		statuses = append(statuses, model.OrderStatusRefundedToWallet)
	}

	since := time.Now().Add(-time.Duration(opts.LookbackHours) * time.Hour)
	orders, err := s.orderRepo.GetStuckOrders(ctx, statuses, since, opts.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("查询候选订单失败: %w", err)
	}

	stats := &SweepStats{}
	for _, order := range orders {
		select {
		case <-ctx.Done():
			log.Printf("[Recovery] 扫描被中断: checked=%d, err=%v", stats.Checked, ctx.Err())
			return stats, ctx.Err()
		default:
		}
		stats.Checked++
		s.processOrder(ctx, order, &opts, stats)
	}

	log.Printf("[Recovery] 扫描完成: checked=%d, verified=%d, refunded=%d, expired=%d, cancelled=%d, skipped=%d, failed=%d",
		stats.Checked, stats.Verified, stats.Refunded, stats.Expired, stats.Cancelled, stats.Skipped, stats.Failed)

	if !opts.DryRun && s.cfg.Recovery.NotifyAdmin && (stats.Refunded > 0 || stats.Failed > 0) {
		_ = writeEvent(ctx, s.outboxRepo, nil, s.cfg.Kafka.Topic.RecoveryAlert, model.EventRecoverySummary, "recovery_sweep", map[string]interface{}{
			"checked":   stats.Checked,
			"verified":  stats.Verified,
			"refunded":  stats.Refunded,
			"failed":    stats.Failed,
			"swept_at":  time.Now().Format(time.RFC3339),
			"lookback":  opts.LookbackHours,
			"deep_scan": opts.IncludeCancelled,
		})
	}
	return stats, nil
}

// processOrder 处理单个候选订单，panic 只吞掉本单
func (s *RecoveryService) processOrder(ctx context.Context, order *model.Order, opts *SweepOptions, stats *SweepStats) {
	defer func() {
		if r := recover(); r != nil {
			stats.Failed++
			log.Printf("[Recovery] 严重: 处理订单 panic: trade_no=%s, panic=%v", order.TradeNo, r)
		}
	}()

	trackID, method, ok := s.resolveTrack(ctx, order)
	if !ok {
		// 没有任何凭证线索，只能按时间过期
		if order.Status == model.OrderStatusPending && order.AgeMinutes(time.Now()) >= opts.ExpireAfterMinutes {
			s.expireOrder(ctx, order, "", opts, stats)
		} else {
			stats.Skipped++
		}
		return
	}

	g, err := s.registry.Resolve(method)
	if err != nil {
		stats.Failed++
		log.Printf("[Recovery] 支付方式不可用: trade_no=%s, method=%s", order.TradeNo, method)
		return
	}

	// 单订单节流，避免对网关高频查询
	if s.throttled(ctx, order.ID, opts.CheckIntervalMinutes) {
		stats.Skipped++
		return
	}

	inq, err := g.Inquiry(ctx, trackID)
	if err != nil {
		s.handleInquiryFailure(ctx, order, trackID, opts, stats, err)
		return
	}
	s.store.Forget(ctx, cache.KeyInquiryFail(order.ID))

	age := order.AgeMinutes(time.Now())
	log.Printf("[Recovery] 网关状态: trade_no=%s, track_id=%s, status=%s, age=%dmin", order.TradeNo, trackID, inq.Status, age)

	switch inq.Status {
	case gateway.StatusPaid:
		// 终态订单（已结算或已退钱包）只需收尾遗留 track
		if model.IsTerminalStatus(order.Status) {
			if !opts.DryRun {
				if err := s.trackRepo.MarkUsed(ctx, nil, trackID); err != nil && !errors.Is(err, repository.ErrTrackNotFound) {
					stats.Failed++
					log.Printf("[Recovery] 消费遗留 track 失败: trade_no=%s, err=%v", order.TradeNo, err)
					return
				}
			}
			stats.Skipped++
			return
		}
		if opts.DryRun {
			log.Printf("[Recovery] dry-run: 应补结算 trade_no=%s", order.TradeNo)
			stats.Verified++
			return
		}
		if err := s.settlement.VerifyAndSettle(ctx, g, order, trackID); err != nil {
			log.Printf("[Recovery] 补结算失败: trade_no=%s, err=%v", order.TradeNo, err)
			// 钱确认到了却结算不进去，超时后退钱包保底
			if age >= opts.RefundAfterMinutes {
				s.refundOrder(ctx, order, trackID, "网关已收款但补结算失败", opts, stats)
			} else {
				stats.Failed++
			}
			return
		}
		stats.Verified++

	case gateway.StatusPending:
		if order.Status == model.OrderStatusPending && age >= opts.ExpireAfterMinutes {
			s.expireOrder(ctx, order, trackID, opts, stats)
		} else {
			stats.Skipped++
		}

	case gateway.StatusNotInitiated, gateway.StatusUserCancelled, gateway.StatusFailed:
		// 交易确定没有收款，消费 track 防止反复扫描。
		// 未发起支付的订单只在深度扫描时取消，快速通道只收尾凭证，
		// 给用户留出重新发起支付的窗口
		if age < opts.MarkOldUnusedMinutes {
			stats.Skipped++
			return
		}
		cancelOrder := inq.Status != gateway.StatusNotInitiated || opts.IncludeCancelled
		s.abandonOrder(ctx, order, trackID, inq.Status, cancelOrder, opts, stats)

	default:
		// 状态不明：网关既不承认收款也不承认失败。
		// 超过退款时限后按"可能收了钱"处理，退钱包并告警人工核对
		if age < opts.RefundAfterMinutes {
			stats.Skipped++
			return
		}
		s.refundOrder(ctx, order, trackID, fmt.Sprintf("网关状态不明(%s)", inq.Status), opts, stats)
	}
}

// resolveTrack 找出订单关联的未消费凭证
// 先按 trade_no 查，再按 order_id 查，都没有才回退缓存备份
func (s *RecoveryService) resolveTrack(ctx context.Context, order *model.Order) (trackID, method string, ok bool) {
	track, err := s.trackRepo.GetByTradeNo(ctx, order.TradeNo)
	if errors.Is(err, repository.ErrTrackNotFound) {
		track, err = s.trackRepo.GetByOrderID(ctx, order.ID)
	}
	if err == nil {
		if track.IsUsed {
			return "", "", false
		}
		return track.TrackID, track.PaymentMethod, true
	}
	if !errors.Is(err, repository.ErrTrackNotFound) {
		log.Printf("[Recovery] 查询 track 失败: trade_no=%s, err=%v", order.TradeNo, err)
		return "", "", false
	}

	if order.PaymentMethod == "" {
		return "", "", false
	}
	backup, found := s.store.GetString(ctx, cache.KeyTrackBackup(order.PaymentMethod, order.TradeNo))
	if !found {
		return "", "", false
	}
	log.Printf("[Recovery] 警告: 使用缓存备份 track: trade_no=%s, track_id=%s", order.TradeNo, backup)
	return backup, order.PaymentMethod, true
}

// throttled 距上次查询不足最小间隔
func (s *RecoveryService) throttled(ctx context.Context, orderID int64, intervalMinutes int) bool {
	key := cache.KeyLastCheck(orderID)
	if val, ok := s.store.GetString(ctx, key); ok {
		last, err := strconv.ParseInt(val, 10, 64)
		if err == nil && time.Since(time.Unix(last, 0)) < time.Duration(intervalMinutes)*time.Minute {
			return true
		}
	}
	s.store.Put(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), cache.TTLLastCheck)
	return false
}

// handleInquiryFailure 查询失败计数，连续失败且超时的订单强制退款
// 网关长期联系不上时不能让用户的钱无限期悬着
func (s *RecoveryService) handleInquiryFailure(ctx context.Context, order *model.Order, trackID string, opts *SweepOptions, stats *SweepStats, inqErr error) {
	fails := s.store.Increment(ctx, cache.KeyInquiryFail(order.ID), cache.TTLInquiryFail)
	log.Printf("[Recovery] 网关查询失败: trade_no=%s, fails=%d, err=%v", order.TradeNo, fails, inqErr)

	if fails >= opts.MaxInquiryFails && order.AgeMinutes(time.Now()) >= opts.RefundAfterMinutes {
		s.refundOrder(ctx, order, trackID, fmt.Sprintf("连续 %d 次查询网关失败", fails), opts, stats)
		return
	}
	stats.Failed++
}

// expireOrder 过期待支付订单：取消 + 消费 track
func (s *RecoveryService) expireOrder(ctx context.Context, order *model.Order, trackID string, opts *SweepOptions, stats *SweepStats) {
	if opts.DryRun {
		log.Printf("[Recovery] dry-run: 应过期 trade_no=%s", order.TradeNo)
		stats.Expired++
		return
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.MarkCancelled(ctx, tx, order.TradeNo); err != nil {
			return err
		}
		if trackID != "" {
			if err := s.trackRepo.MarkUsed(ctx, tx, trackID); err != nil && !errors.Is(err, repository.ErrTrackNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		stats.Failed++
		log.Printf("[Recovery] 过期订单失败: trade_no=%s, err=%v", order.TradeNo, err)
		return
	}
	s.store.Forget(ctx, cache.KeyOrderSnapshot(order.TradeNo))
	stats.Expired++
	log.Printf("[Recovery] 订单已过期: trade_no=%s", order.TradeNo)
}

// abandonOrder 网关确认没收款：消费 track，cancelOrder 为真时顺带取消待支付订单
func (s *RecoveryService) abandonOrder(ctx context.Context, order *model.Order, trackID string, status gateway.Status, cancelOrder bool, opts *SweepOptions, stats *SweepStats) {
	shouldCancel := cancelOrder && order.Status == model.OrderStatusPending

	if opts.DryRun {
		log.Printf("[Recovery] dry-run: 应放弃 trade_no=%s, status=%s, cancel=%v", order.TradeNo, status, shouldCancel)
		if shouldCancel {
			stats.Cancelled++
		} else {
			stats.Skipped++
		}
		return
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.trackRepo.MarkUsed(ctx, tx, trackID); err != nil && !errors.Is(err, repository.ErrTrackNotFound) {
			return err
		}
		if shouldCancel {
			return s.orderRepo.MarkCancelled(ctx, tx, order.TradeNo)
		}
		return nil
	})
	if err != nil {
		stats.Failed++
		log.Printf("[Recovery] 放弃订单失败: trade_no=%s, err=%v", order.TradeNo, err)
		return
	}
	s.store.Forget(ctx, cache.KeyOrderSnapshot(order.TradeNo))
	if shouldCancel {
		stats.Cancelled++
		log.Printf("[Recovery] 订单已取消: trade_no=%s, gateway_status=%s", order.TradeNo, status)
	} else {
		stats.Skipped++
		log.Printf("[Recovery] 已消费遗留 track: trade_no=%s, gateway_status=%s", order.TradeNo, status)
	}
}

// refundOrder 退钱包保底，并向管理员告警
func (s *RecoveryService) refundOrder(ctx context.Context, order *model.Order, trackID, reason string, opts *SweepOptions, stats *SweepStats) {
	if opts.DryRun {
		log.Printf("[Recovery] dry-run: 应退款 trade_no=%s, reason=%s", order.TradeNo, reason)
		stats.Refunded++
		return
	}

	if err := s.refund.RefundToWallet(ctx, order, trackID, reason); err != nil {
		stats.Failed++
		log.Printf("[Recovery] 严重: 退款失败需要人工介入: trade_no=%s, reason=%s, err=%v", order.TradeNo, reason, err)
		s.alert(ctx, "退款失败", order, trackID, reason, err)
		return
	}
	stats.Refunded++
	s.alert(ctx, "已退回钱包", order, trackID, reason, nil)
}

// alert 管理员告警事件，尽力而为
func (s *RecoveryService) alert(ctx context.Context, title string, order *model.Order, trackID, reason string, cause error) {
	if !s.cfg.Recovery.NotifyAdmin {
		return
	}
	payload := map[string]interface{}{
		"title":    title,
		"trade_no": order.TradeNo,
		"user_id":  order.UserID,
		"amount":   order.TotalAmount,
		"track_id": trackID,
		"reason":   reason,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	_ = writeEvent(ctx, s.outboxRepo, nil, s.cfg.Kafka.Topic.RecoveryAlert, model.EventRecoveryAlert, order.TradeNo, payload)
}
