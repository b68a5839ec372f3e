package service

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/gateway"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/model"
	"payrecon/internal/repository"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 服务层测试不依赖 Redis：store 用空 client 构建，
// 锁和缓存全部降级，恰好验证正确性只靠数据库护栏也成立。

type fakeGateway struct {
	name        string
	initiateRes *gateway.InitiateResult
	initiateErr error
	verifyFacts *gateway.SettlementFacts
	verifyErr   error
	inquiryRes  *gateway.InquiryResult
	inquiryErr  error
	inquiryFn   func(trackID string) (*gateway.InquiryResult, error)

	verifyCalls  int32
	inquiryCalls int32
}

func (f *fakeGateway) Name() string {
	if f.name == "" {
		return "fakepay"
	}
	return f.name
}

func (f *fakeGateway) Initiate(ctx context.Context, order *model.Order) (*gateway.InitiateResult, error) {
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	if f.initiateRes != nil {
		return f.initiateRes, nil
	}
	return &gateway.InitiateResult{
		TrackID:     "trk-" + order.TradeNo,
		RedirectURL: "https://pay.example.com/start/trk-" + order.TradeNo,
	}, nil
}

func (f *fakeGateway) ParseCallback(params url.Values) (*gateway.Callback, error) {
	trackID := params.Get("trackId")
	if trackID == "" || params.Get("success") == "" {
		return nil, gateway.ErrMalformedCallback
	}
	return &gateway.Callback{
		TrackID:   trackID,
		TradeNo:   params.Get("orderId"),
		Succeeded: params.Get("success") == "1",
	}, nil
}

func (f *fakeGateway) Verify(ctx context.Context, trackID string, expectedAmount int64) (*gateway.SettlementFacts, error) {
	atomic.AddInt32(&f.verifyCalls, 1)
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verifyFacts != nil {
		return f.verifyFacts, nil
	}
	return &gateway.SettlementFacts{
		GatewayRefNo: "ref-" + trackID,
		Amount:       expectedAmount,
		MaskedCard:   "603799******7890",
	}, nil
}

func (f *fakeGateway) Inquiry(ctx context.Context, trackID string) (*gateway.InquiryResult, error) {
	atomic.AddInt32(&f.inquiryCalls, 1)
	if f.inquiryFn != nil {
		return f.inquiryFn(trackID)
	}
	if f.inquiryErr != nil {
		return nil, f.inquiryErr
	}
	if f.inquiryRes != nil {
		return f.inquiryRes, nil
	}
	return &gateway.InquiryResult{Status: gateway.StatusPending}, nil
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	store      *cache.Store
	registry   *gateway.Registry
	gw         *fakeGateway
	orderRepo  *repository.OrderRepository
	trackRepo  *repository.TrackRepository
	userRepo   *repository.UserRepository
	outboxRepo *repository.OutboxRepository
	payment    *PaymentService
	settlement *SettlementService
	refund     *RefundService
	recovery   *RecoveryService
	tracks     *TrackService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.AutoMigrate(
		&model.User{}, &model.Order{}, &model.PaymentTrack{},
		&model.WalletTransaction{}, &model.OutboxMessage{},
	); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	// 单连接串行化并发事务，避免 sqlite 写冲突
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := &config.Config{}
	cfg.Kafka.Topic.PaymentResult = "payment-result"
	cfg.Kafka.Topic.RecoveryAlert = "recovery-alert"
	cfg.Recovery = config.RecoveryConfig{
		RefundAfterMinutes:   30,
		CheckIntervalMinutes: 5,
		ExpireAfterMinutes:   30,
		MarkOldUnusedMinutes: 120,
		LookbackHours:        24,
		DeepLookbackHours:    72,
		MaxInquiryFails:      3,
		BatchLimit:           200,
		NotifyAdmin:          true,
	}

	gw := &fakeGateway{}
	registry := gateway.NewRegistry(&cfg.Gateways)
	registry.Register(gw)

	store := cache.NewStore(nil)

	orderRepo := repository.NewOrderRepository(db)
	trackRepo := repository.NewTrackRepository(db)
	userRepo := repository.NewUserRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	settlement := NewSettlementService(db, nil, store, cfg, registry, orderRepo, trackRepo, outboxRepo)
	refund := NewRefundService(db, store, cfg, orderRepo, userRepo, trackRepo, outboxRepo)
	recovery := NewRecoveryService(db, store, cfg, registry, orderRepo, trackRepo, outboxRepo, settlement, refund)
	payment := NewPaymentService(db, store, cfg, registry, orderRepo, trackRepo)
	tracks := NewTrackService(trackRepo)

	return &testEnv{
		db:         db,
		cfg:        cfg,
		store:      store,
		registry:   registry,
		gw:         gw,
		orderRepo:  orderRepo,
		trackRepo:  trackRepo,
		userRepo:   userRepo,
		outboxRepo: outboxRepo,
		payment:    payment,
		settlement: settlement,
		refund:     refund,
		recovery:   recovery,
		tracks:     tracks,
	}
}

func (e *testEnv) createUser(t *testing.T, id, balance int64) *model.User {
	t.Helper()
	user := &model.User{ID: id, Email: fmt.Sprintf("user%d@test.local", id), Balance: balance}
	if err := e.db.Create(user).Error; err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	return user
}

func (e *testEnv) createOrder(t *testing.T, tradeNo string, userID, total, balance int64, status int) *model.Order {
	t.Helper()
	order := &model.Order{
		TradeNo:       tradeNo,
		UserID:        userID,
		TotalAmount:   total,
		BalanceAmount: balance,
		Status:        status,
		PaymentMethod: "fakepay",
	}
	if err := e.db.Create(order).Error; err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	return order
}

func (e *testEnv) createTrack(t *testing.T, trackID, tradeNo string, orderID, userID, amount int64, used bool) *model.PaymentTrack {
	t.Helper()
	track := &model.PaymentTrack{
		TrackID:       trackID,
		TradeNo:       tradeNo,
		OrderID:       orderID,
		UserID:        userID,
		Amount:        amount,
		PaymentMethod: "fakepay",
		IsUsed:        used,
	}
	if used {
		now := time.Now()
		track.UsedAt = &now
	}
	if err := e.db.Create(track).Error; err != nil {
		t.Fatalf("create track failed: %v", err)
	}
	return track
}

// backdateOrder 把订单创建时间拨回 minutes 分钟前，驱动各时间阈值分支
func (e *testEnv) backdateOrder(t *testing.T, tradeNo string, minutes int) {
	t.Helper()
	if err := e.db.Model(&model.Order{}).Where("trade_no = ?", tradeNo).
		Update("created_at", time.Now().Add(-time.Duration(minutes)*time.Minute)).Error; err != nil {
		t.Fatalf("backdate order failed: %v", err)
	}
}

func (e *testEnv) getOrder(t *testing.T, tradeNo string) *model.Order {
	t.Helper()
	order, err := e.orderRepo.GetByTradeNo(context.Background(), tradeNo)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	return order
}

func (e *testEnv) getTrack(t *testing.T, trackID string) *model.PaymentTrack {
	t.Helper()
	track, err := e.trackRepo.GetByTrackID(context.Background(), trackID)
	if err != nil {
		t.Fatalf("get track failed: %v", err)
	}
	return track
}

func (e *testEnv) getBalance(t *testing.T, userID int64) int64 {
	t.Helper()
	user, err := e.userRepo.GetByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	return user.Balance
}

func (e *testEnv) countEvents(t *testing.T, eventType string) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(&model.OutboxMessage{}).Where("event_type = ?", eventType).Count(&count).Error; err != nil {
		t.Fatalf("count events failed: %v", err)
	}
	return count
}

func notifyParams(trackID string, succeeded bool) url.Values {
	params := url.Values{}
	params.Set("trackId", trackID)
	if succeeded {
		params.Set("success", "1")
	} else {
		params.Set("success", "0")
	}
	return params
}
