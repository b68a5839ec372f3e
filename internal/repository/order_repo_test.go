package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"payrecon/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupOrderRepoTest(t *testing.T) (*OrderRepository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:order_repo_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := db.AutoMigrate(&model.Order{}, &model.PaymentTrack{}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return NewOrderRepository(db), db
}

func TestOrderMarkPaidGuardsStatus(t *testing.T) {
	repo, _ := setupOrderRepoTest(t)
	ctx := context.Background()

	order := &model.Order{TradeNo: "ORD1", UserID: 1, TotalAmount: 5000}
	if err := repo.Create(ctx, nil, order); err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if err := repo.MarkPaid(ctx, nil, "ORD1", "ref-1"); err != nil {
		t.Fatalf("mark paid failed: %v", err)
	}

	got, _ := repo.GetByTradeNo(ctx, "ORD1")
	if got.Status != model.OrderStatusPaid {
		t.Fatalf("expected status %d, got %d", model.OrderStatusPaid, got.Status)
	}
	if got.PaidAt == nil || got.CallbackNo != "ref-1" {
		t.Fatalf("paid_at / callback_no not written: %+v", got)
	}

	// 已支付订单再结算必须被条件更新挡下
	if err := repo.MarkPaid(ctx, nil, "ORD1", "ref-2"); !errors.Is(err, ErrOrderStatusInvalid) {
		t.Fatalf("expected ErrOrderStatusInvalid, got %v", err)
	}
	got, _ = repo.GetByTradeNo(ctx, "ORD1")
	if got.CallbackNo != "ref-1" {
		t.Fatalf("callback_no overwritten by replay: %s", got.CallbackNo)
	}
}

func TestOrderRefundFromPendingAndCancelled(t *testing.T) {
	repo, _ := setupOrderRepoTest(t)
	ctx := context.Background()

	pending := &model.Order{TradeNo: "ORD-P", UserID: 1, TotalAmount: 100}
	cancelled := &model.Order{TradeNo: "ORD-C", UserID: 1, TotalAmount: 100}
	paid := &model.Order{TradeNo: "ORD-D", UserID: 1, TotalAmount: 100}
	for _, o := range []*model.Order{pending, cancelled, paid} {
		if err := repo.Create(ctx, nil, o); err != nil {
			t.Fatalf("create order failed: %v", err)
		}
	}
	if err := repo.MarkCancelled(ctx, nil, "ORD-C"); err != nil {
		t.Fatalf("mark cancelled failed: %v", err)
	}
	if err := repo.MarkPaid(ctx, nil, "ORD-D", "ref"); err != nil {
		t.Fatalf("mark paid failed: %v", err)
	}

	if err := repo.MarkRefundedToWallet(ctx, nil, "ORD-P"); err != nil {
		t.Fatalf("refund pending order failed: %v", err)
	}
	if err := repo.MarkRefundedToWallet(ctx, nil, "ORD-C"); err != nil {
		t.Fatalf("refund cancelled order failed: %v", err)
	}
	if err := repo.MarkRefundedToWallet(ctx, nil, "ORD-D"); !errors.Is(err, ErrOrderStatusInvalid) {
		t.Fatalf("refunding paid order should fail, got %v", err)
	}
}

func TestGetStuckOrdersFiltersByUnusedTrack(t *testing.T) {
	repo, db := setupOrderRepoTest(t)
	ctx := context.Background()

	withTrack := &model.Order{TradeNo: "ORD-1", UserID: 1, TotalAmount: 100}
	withUsedTrack := &model.Order{TradeNo: "ORD-2", UserID: 1, TotalAmount: 100}
	noTrack := &model.Order{TradeNo: "ORD-3", UserID: 1, TotalAmount: 100}
	tooOld := &model.Order{TradeNo: "ORD-4", UserID: 1, TotalAmount: 100}
	byOrderID := &model.Order{TradeNo: "ORD-5", UserID: 1, TotalAmount: 100}
	for _, o := range []*model.Order{withTrack, withUsedTrack, noTrack, tooOld, byOrderID} {
		if err := repo.Create(ctx, nil, o); err != nil {
			t.Fatalf("create order failed: %v", err)
		}
	}

	now := time.Now()
	tracks := []*model.PaymentTrack{
		{TrackID: "t1", TradeNo: "ORD-1", PaymentMethod: "zibal"},
		{TrackID: "t2", TradeNo: "ORD-2", PaymentMethod: "zibal", IsUsed: true, UsedAt: &now},
		{TrackID: "t4", TradeNo: "ORD-4", PaymentMethod: "zibal"},
		{TrackID: "t5", OrderID: byOrderID.ID, PaymentMethod: "zibal"},
	}
	for _, trk := range tracks {
		if err := db.Create(trk).Error; err != nil {
			t.Fatalf("create track failed: %v", err)
		}
	}
	if err := db.Model(&model.Order{}).Where("trade_no = ?", "ORD-4").
		Update("created_at", time.Now().Add(-48*time.Hour)).Error; err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	orders, err := repo.GetStuckOrders(ctx, []int{model.OrderStatusPending}, time.Now().Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("get stuck orders failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected ORD-1 and ORD-5, got %d orders", len(orders))
	}
	got := map[string]bool{}
	for _, o := range orders {
		got[o.TradeNo] = true
	}
	if !got["ORD-1"] || !got["ORD-5"] {
		t.Fatalf("expected ORD-1 and ORD-5, got %v", got)
	}
}
