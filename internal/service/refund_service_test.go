package service

import (
	"context"
	"errors"
	"testing"

	"payrecon/internal/model"
)

func TestRefundToWalletCreditsBalanceAndLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 1000)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)

	if err := env.refund.RefundToWallet(ctx, order, "trk-1", "网关状态不明"); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	if balance := env.getBalance(t, 1001); balance != 6000 {
		t.Fatalf("expected balance 6000, got %d", balance)
	}
	if env.getOrder(t, "ORD-1").Status != model.OrderStatusRefundedToWallet {
		t.Fatal("order should be refunded-to-wallet")
	}
	if !env.getTrack(t, "trk-1").IsUsed {
		t.Fatal("track should be consumed")
	}

	var txn model.WalletTransaction
	if err := env.db.Where("trade_no = ?", "ORD-1").First(&txn).Error; err != nil {
		t.Fatalf("wallet transaction missing: %v", err)
	}
	if txn.Type != model.WalletTransactionTypeRefund || txn.Amount != 5000 {
		t.Fatalf("unexpected ledger row: %+v", txn)
	}
	if txn.BalanceBefore != 1000 || txn.BalanceAfter != 6000 {
		t.Fatalf("ledger balances wrong: before=%d after=%d", txn.BalanceBefore, txn.BalanceAfter)
	}
	if n := env.countEvents(t, model.EventRefundedToWallet); n != 1 {
		t.Fatalf("expected 1 refund event, got %d", n)
	}
}

func TestRefundRejectsTerminalOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 1000)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPaid)

	err := env.refund.RefundToWallet(ctx, order, "", "测试")
	if !errors.Is(err, ErrRefundRejected) {
		t.Fatalf("expected ErrRefundRejected, got %v", err)
	}
	if balance := env.getBalance(t, 1001); balance != 1000 {
		t.Fatalf("balance must stay untouched, got %d", balance)
	}
}

// 传入的订单快照是旧的（库里已被并发方退款），
// 整个事务必须回滚：余额不能加第二次，流水不能多一条
func TestRefundRollsBackOnStaleOrderSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 1000)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)

	if err := env.refund.RefundToWallet(ctx, order, "", "第一次退款"); err != nil {
		t.Fatalf("first refund failed: %v", err)
	}

	// order 还是旧快照（状态待支付），再次退款
	if err := env.refund.RefundToWallet(ctx, order, "", "重复退款"); err == nil {
		t.Fatal("stale refund should fail")
	}

	if balance := env.getBalance(t, 1001); balance != 6000 {
		t.Fatalf("balance credited twice: %d", balance)
	}
	var count int64
	if err := env.db.Model(&model.WalletTransaction{}).Where("trade_no = ?", "ORD-1").Count(&count).Error; err != nil {
		t.Fatalf("count ledger failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ledger row, got %d", count)
	}
}

func TestRefundToleratesMissingTrackRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)

	// track 入库曾失败，只剩缓存备份里的 ID
	if err := env.refund.RefundToWallet(ctx, order, "trk-cache-only", "降级退款"); err != nil {
		t.Fatalf("refund with missing track row failed: %v", err)
	}
	if balance := env.getBalance(t, 1001); balance != 5000 {
		t.Fatalf("expected balance 5000, got %d", balance)
	}
}

func TestRefundCancelledOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusCancelled)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)

	if err := env.refund.RefundToWallet(ctx, order, "trk-1", "深度恢复"); err != nil {
		t.Fatalf("refund cancelled order failed: %v", err)
	}
	if env.getOrder(t, "ORD-1").Status != model.OrderStatusRefundedToWallet {
		t.Fatal("cancelled order should move to refunded-to-wallet")
	}
}
