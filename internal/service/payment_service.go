package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"payrecon/internal/config"
	"payrecon/internal/gateway"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/model"
	"payrecon/internal/repository"

	"gorm.io/gorm"
)

var ErrOrderNotPayable = errors.New("订单状态不允许发起支付")

// InitiateResponse 发起支付结果
type InitiateResponse struct {
	TradeNo     string `json:"trade_no"`
	TrackID     string `json:"track_id"`
	RedirectURL string `json:"redirect_url"`
	Method      string `json:"method"`
}

// PaymentService 支付发起
type PaymentService struct {
	db        *gorm.DB
	store     *cache.Store
	cfg       *config.Config
	registry  *gateway.Registry
	orderRepo *repository.OrderRepository
	trackRepo *repository.TrackRepository
}

func NewPaymentService(
	db *gorm.DB,
	store *cache.Store,
	cfg *config.Config,
	registry *gateway.Registry,
	orderRepo *repository.OrderRepository,
	trackRepo *repository.TrackRepository,
) *PaymentService {
	return &PaymentService{
		db:        db,
		store:     store,
		cfg:       cfg,
		registry:  registry,
		orderRepo: orderRepo,
		trackRepo: trackRepo,
	}
}

// Initiate 向网关发起交易并登记凭证
//
// track 必须在拿到网关凭证之后、返回跳转地址之前同步入库：
// 用户一旦跳走就可能付钱，届时凭证若无处可查则结算无从谈起。
// 入库失败不中止流程（网关侧交易已存在），缓存备份兜底并记严重日志。
func (s *PaymentService) Initiate(ctx context.Context, method, tradeNo string) (*InitiateResponse, error) {
	order, err := s.orderRepo.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusPending {
		return nil, fmt.Errorf("%w: trade_no=%s, status=%d", ErrOrderNotPayable, tradeNo, order.Status)
	}

	g, err := s.registry.Resolve(method)
	if err != nil {
		return nil, err
	}

	res, err := g.Initiate(ctx, order)
	if err != nil {
		log.Printf("[Payment] 发起交易失败: trade_no=%s, method=%s, err=%v", tradeNo, method, err)
		return nil, err
	}

	track := &model.PaymentTrack{
		TrackID:       res.TrackID,
		TradeNo:       order.TradeNo,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        order.TotalAmount,
		PaymentMethod: g.Name(),
	}
	if err := s.trackRepo.Store(ctx, track); err != nil {
		if errors.Is(err, repository.ErrDuplicateTrackID) {
			// 同一凭证绝不允许挂到第二笔支付上
			log.Printf("[Payment] 严重: 网关签发了重复凭证: trade_no=%s, track_id=%s", tradeNo, res.TrackID)
			return nil, err
		}
		// 网关侧交易已创建，只剩缓存备份这一条线索
		log.Printf("[Payment] 严重: track 入库失败，缓存备份是唯一凭证线索: trade_no=%s, track_id=%s, err=%v",
			tradeNo, res.TrackID, err)
	}

	s.store.Put(ctx, cache.KeyTrackBackup(g.Name(), tradeNo), res.TrackID, cache.TTLTrackBackup)

	if order.PaymentMethod != g.Name() {
		if err := s.db.WithContext(ctx).
			Model(&model.Order{}).
			Where("trade_no = ? AND status = ?", tradeNo, model.OrderStatusPending).
			Update("payment_method", g.Name()).Error; err != nil {
			log.Printf("[Payment] 更新订单支付方式失败（忽略）: trade_no=%s, err=%v", tradeNo, err)
		}
	}

	log.Printf("[Payment] 已发起支付: trade_no=%s, method=%s, track_id=%s, amount=%d",
		tradeNo, g.Name(), res.TrackID, order.TotalAmount)

	return &InitiateResponse{
		TradeNo:     order.TradeNo,
		TrackID:     res.TrackID,
		RedirectURL: res.RedirectURL,
		Method:      g.Name(),
	}, nil
}
