package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"payrecon/internal/gateway"
	"payrecon/internal/model"
)

func TestNotifySettlesPendingOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if !result.Success || result.AlreadyProcessed {
		t.Fatalf("expected fresh success, got %+v", result)
	}
	if result.Amount != 5000 {
		t.Fatalf("expected amount 5000, got %d", result.Amount)
	}

	got := env.getOrder(t, "ORD-1")
	if got.Status != model.OrderStatusPaid {
		t.Fatalf("expected paid, got status %d", got.Status)
	}
	if got.PaidAt == nil || got.CallbackNo != "ref-trk-1" {
		t.Fatalf("settlement facts not recorded: %+v", got)
	}
	if !env.getTrack(t, "trk-1").IsUsed {
		t.Fatal("track should be consumed")
	}
	if n := env.countEvents(t, model.EventPaymentSucceeded); n != 1 {
		t.Fatalf("expected 1 success event, got %d", n)
	}
}

func TestNotifyReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)

	first := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if !first.Success {
		t.Fatalf("first notify failed: %+v", first)
	}

	second := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if !second.Success || !second.AlreadyProcessed {
		t.Fatalf("replay should report already processed, got %+v", second)
	}

	// 重放不再触碰网关
	if calls := atomic.LoadInt32(&env.gw.verifyCalls); calls != 1 {
		t.Fatalf("expected 1 verify call, got %d", calls)
	}
	if n := env.countEvents(t, model.EventPaymentSucceeded); n != 1 {
		t.Fatalf("expected 1 success event, got %d", n)
	}
}

// 并发回调在没有 Redis 锁的情况下也必须至多结算一次，
// 靠的是订单条件更新和 track 单向消费
func TestConcurrentNotifySettlesAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)

	const workers = 4
	results := make([]*NotifyResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if r.Success && !r.AlreadyProcessed {
			fresh++
		}
	}
	if fresh > 1 {
		t.Fatalf("settled %d times, want at most 1", fresh)
	}

	got := env.getOrder(t, "ORD-1")
	if got.Status != model.OrderStatusPaid {
		t.Fatalf("expected paid, got status %d", got.Status)
	}
	if n := env.countEvents(t, model.EventPaymentSucceeded); n != 1 {
		t.Fatalf("expected exactly 1 success event, got %d", n)
	}
}

func TestNotifyAmountMismatchDoesNotSettle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)
	env.gw.verifyErr = gateway.ErrAmountMismatch

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if result.Success {
		t.Fatalf("mismatched amount settled: %+v", result)
	}

	if env.getOrder(t, "ORD-1").Status != model.OrderStatusPending {
		t.Fatal("order should stay pending")
	}
	if env.getTrack(t, "trk-1").IsUsed {
		t.Fatal("track should stay unused")
	}
}

func TestNotifyRejectsUsedTrack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, true)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if result.Success {
		t.Fatalf("used track must be rejected: %+v", result)
	}
	if calls := atomic.LoadInt32(&env.gw.verifyCalls); calls != 0 {
		t.Fatalf("gateway verified despite used track: %d calls", calls)
	}
	if env.getOrder(t, "ORD-1").Status != model.OrderStatusPending {
		t.Fatal("order should stay pending")
	}
}

func TestNotifyRejectsUnknownTrack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-forged", true))
	if result.Success {
		t.Fatalf("forged track must be rejected: %+v", result)
	}
	if calls := atomic.LoadInt32(&env.gw.verifyCalls); calls != 0 {
		t.Fatalf("gateway verified despite unknown track: %d calls", calls)
	}
}

func TestNotifyRejectsTrackOfAnotherOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	other := env.createOrder(t, "ORD-2", 1001, 7000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-2", "ORD-2", other.ID, 1001, 7000, false)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-2", true))
	if result.Success {
		t.Fatalf("track of another order must be rejected: %+v", result)
	}
	if env.getOrder(t, "ORD-1").Status != model.OrderStatusPending {
		t.Fatal("order should stay pending")
	}
}

func TestNotifyGatewayDenialFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", false))
	if result.Success {
		t.Fatalf("denied callback settled: %+v", result)
	}
	if calls := atomic.LoadInt32(&env.gw.verifyCalls); calls != 0 {
		t.Fatalf("gateway verified despite denial: %d calls", calls)
	}
}

func TestNotifyRefundedOrderReportsProcessed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusRefundedToWallet)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if !result.Success || !result.AlreadyProcessed {
		t.Fatalf("refunded order notify should report processed, got %+v", result)
	}
}

func TestNotifyCancelledOrderReportsProcessed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusCancelled)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 5000, false)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if !result.Success || !result.AlreadyProcessed {
		t.Fatalf("cancelled order notify should report processed, got %+v", result)
	}
	if env.getOrder(t, "ORD-1").Status != model.OrderStatusCancelled {
		t.Fatal("order should stay cancelled")
	}
	if calls := atomic.LoadInt32(&env.gw.verifyCalls); calls != 0 {
		t.Fatalf("notify on cancelled order should not reach the gateway: %d calls", calls)
	}
}

func TestNotifyBalanceOnlyOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	order := env.createOrder(t, "ORD-1", 1001, 0, 5000, model.OrderStatusPending)
	env.createTrack(t, "trk-1", "ORD-1", order.ID, 1001, 0, false)

	result := env.settlement.HandleNotify(ctx, "fakepay", "ORD-1", notifyParams("trk-1", true))
	if !result.Success {
		t.Fatalf("balance-only order failed to settle: %+v", result)
	}
	if env.getOrder(t, "ORD-1").Status != model.OrderStatusPaid {
		t.Fatal("order should be paid")
	}
}

func TestQueryResultFallsBackToDatabase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, 1001, 0)
	env.createOrder(t, "ORD-1", 1001, 5000, 0, model.OrderStatusPaid)
	env.createOrder(t, "ORD-2", 1001, 3000, 0, model.OrderStatusPending)

	paid, err := env.settlement.QueryResult(ctx, "ORD-1")
	if err != nil {
		t.Fatalf("query paid order failed: %v", err)
	}
	if !paid.Success || !paid.AlreadyProcessed {
		t.Fatalf("expected paid result, got %+v", paid)
	}

	pending, err := env.settlement.QueryResult(ctx, "ORD-2")
	if err != nil {
		t.Fatalf("query pending order failed: %v", err)
	}
	if pending.Success {
		t.Fatalf("pending order reported success: %+v", pending)
	}
}
