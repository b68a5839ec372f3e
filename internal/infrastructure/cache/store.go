package cache

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 缓存作为优化层，不是事实来源
// ============================================================================
//
// Track 表与订单表才是结算正确性的依据。Store 的所有操作都是尽力而为：
// client 为空或 Redis 出错时一律降级为"未命中/什么也不做"并记日志，
// 绝不把缓存故障上抛给结算调用方。

// Store 建议性缓存封装
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Available 当前是否有可用的缓存连接
func (s *Store) Available() bool {
	return s != nil && s.client != nil
}

// GetString 读取字符串，未命中或出错返回 false
func (s *Store) GetString(ctx context.Context, key string) (string, bool) {
	if !s.Available() {
		return "", false
	}
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[Cache] 读取失败（按未命中处理）: key=%s, err=%v", key, err)
		}
		return "", false
	}
	return val, true
}

// Put 写入字符串，失败只记日志
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) {
	if !s.Available() {
		return
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("[Cache] 写入失败（忽略）: key=%s, err=%v", key, err)
	}
}

// Forget 删除 key，失败只记日志
func (s *Store) Forget(ctx context.Context, key string) {
	if !s.Available() {
		return
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		log.Printf("[Cache] 删除失败（忽略）: key=%s, err=%v", key, err)
	}
}

// Increment 计数器加一并返回当前值，出错返回 0
// 用于单订单查询失败计数，计数丢失只会让恢复扫描多查几次网关
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) int {
	if !s.Available() {
		return 0
	}
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[Cache] 计数失败（忽略）: key=%s, err=%v", key, err)
		return 0
	}
	if n == 1 {
		s.client.Expire(ctx, key, ttl)
	}
	return int(n)
}
