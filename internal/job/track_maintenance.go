package job

import (
	"context"
	"log"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/service"
)

// TrackMaintenanceJob track 表日常维护
// 每小时过期超龄未消费 track，每天删除过保留期的已消费 track
type TrackMaintenanceJob struct {
	tracks *service.TrackService
	cfg    *config.Config
	stopCh chan struct{}
}

func NewTrackMaintenanceJob(tracks *service.TrackService, cfg *config.Config) *TrackMaintenanceJob {
	return &TrackMaintenanceJob{
		tracks: tracks,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

func (j *TrackMaintenanceJob) Start(ctx context.Context) {
	log.Println("[TrackMaintenanceJob] track 维护任务启动")

	expireTicker := time.NewTicker(time.Hour)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer expireTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[TrackMaintenanceJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[TrackMaintenanceJob] 任务停止")
			return
		case <-expireTicker.C:
			if _, err := j.tracks.ExpireOld(ctx, j.cfg.Track.ExpireHours); err != nil {
				log.Printf("[TrackMaintenanceJob] 过期 track 失败: %v", err)
			}
		case <-cleanupTicker.C:
			// 定时清理只删已消费的行，未消费行的删除是人工操作
			if _, err := j.tracks.Cleanup(ctx, j.cfg.Track.CleanupHours, true, false); err != nil {
				log.Printf("[TrackMaintenanceJob] 清理 track 失败: %v", err)
			}
		}
	}
}

func (j *TrackMaintenanceJob) Stop() {
	close(j.stopCh)
}
