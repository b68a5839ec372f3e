package cache

import (
	"fmt"
	"time"
)

// 缓存 key 与 TTL 清单
// 全部为派生状态，任何一项被淘汰都不影响结算正确性
const (
	TTLPaymentResult = 24 * time.Hour
	TTLProcessedFlag = 24 * time.Hour
	TTLLastCheck     = time.Hour
	TTLInquiryFail   = time.Hour
	TTLTrackBackup   = 72 * time.Hour
	TTLOrderSnapshot = time.Minute
)

// KeyPaymentResult 结算结果，通知重放时直接返回
func KeyPaymentResult(tradeNo string) string {
	return fmt.Sprintf("payment_result_%s", tradeNo)
}

// KeyProcessed 防重放标记
func KeyProcessed(tradeNo, trackID string) string {
	return fmt.Sprintf("processed_%s_%s", tradeNo, trackID)
}

// KeyLastCheck 单订单恢复查询节流
func KeyLastCheck(orderID int64) string {
	return fmt.Sprintf("payment_last_check_%d", orderID)
}

// KeyInquiryFail 单订单查询失败计数
func KeyInquiryFail(orderID int64) string {
	return fmt.Sprintf("inquiry_fail_%d", orderID)
}

// KeyTrackBackup 网关凭证的缓存备份（track 表写入失败时的最后线索）
func KeyTrackBackup(method, tradeNo string) string {
	return fmt.Sprintf("track_backup_%s_%s", method, tradeNo)
}

// KeyOrderSnapshot 订单短时快照
func KeyOrderSnapshot(tradeNo string) string {
	return fmt.Sprintf("order_%s", tradeNo)
}

// KeyPaymentLock 结算互斥锁
func KeyPaymentLock(tradeNo string) string {
	return fmt.Sprintf("payment_lock_%s", tradeNo)
}
