package job

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/service"
)

// RecoveryJob 周期恢复扫描
//
// 快速扫描：高频、只看待支付订单、短回看窗口
// 深度扫描：低频、连已取消/已退钱包订单一起查、长回看窗口
// 两种节奏共用一个 running 标记，上一轮没跑完就跳过本轮
type RecoveryJob struct {
	recovery *service.RecoveryService
	cfg      *config.Config
	stopCh   chan struct{}
	running  atomic.Bool
}

func NewRecoveryJob(recovery *service.RecoveryService, cfg *config.Config) *RecoveryJob {
	return &RecoveryJob{
		recovery: recovery,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

func (j *RecoveryJob) Start(ctx context.Context) {
	log.Println("[RecoveryJob] 恢复扫描任务启动")

	fastTicker := time.NewTicker(time.Duration(j.cfg.Recovery.FastIntervalMinutes) * time.Minute)
	deepTicker := time.NewTicker(time.Duration(j.cfg.Recovery.DeepIntervalMinutes) * time.Minute)
	defer fastTicker.Stop()
	defer deepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RecoveryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[RecoveryJob] 任务停止")
			return
		case <-fastTicker.C:
			j.runSweep(ctx, service.SweepOptions{}, "fast")
		case <-deepTicker.C:
			j.runSweep(ctx, service.SweepOptions{
				IncludeCancelled: true,
				IncludeRefunded:  true,
				LookbackHours:    j.cfg.Recovery.DeepLookbackHours,
			}, "deep")
		}
	}
}

func (j *RecoveryJob) Stop() {
	close(j.stopCh)
}

func (j *RecoveryJob) runSweep(ctx context.Context, opts service.SweepOptions, mode string) {
	if !j.running.CompareAndSwap(false, true) {
		log.Printf("[RecoveryJob] 上一轮扫描未结束，跳过本轮: mode=%s", mode)
		return
	}
	defer j.running.Store(false)

	start := time.Now()
	stats, err := j.recovery.RunSweep(ctx, opts)
	if err != nil {
		log.Printf("[RecoveryJob] 扫描出错: mode=%s, err=%v", mode, err)
		return
	}
	log.Printf("[RecoveryJob] 扫描结束: mode=%s, checked=%d, verified=%d, refunded=%d, elapsed=%s",
		mode, stats.Checked, stats.Verified, stats.Refunded, time.Since(start).Round(time.Millisecond))
}
