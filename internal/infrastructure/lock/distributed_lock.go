package lock

import (
	"context"
	"errors"
	"time"

	"payrecon/internal/infrastructure/cache"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：Lua 脚本保证"检查+删除"原子执行。
//
// 【注意】这把锁只是结算路径上的优化：Redis 不可用时结算必须照常正确，
// 幂等性由 track 唯一约束和订单条件更新兜底。

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
// 返回 (false, err) 表示 Redis 本身不可用，调用方应视为"锁不可用"而非"被占用"
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		return false, redis.ErrClosed
	}
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// 校验 value 防止删除他人持有的锁；失败只能靠过期兜底
func (l *DistributedLock) Unlock(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewPaymentLock 创建结算锁（按订单维度，30 秒过期）
// 同一订单的重复回调串行化，不阻塞其他订单
func NewPaymentLock(client *redis.Client, tradeNo, holderToken string) *DistributedLock {
	return NewDistributedLock(client, cache.KeyPaymentLock(tradeNo), holderToken, 30*time.Second)
}
