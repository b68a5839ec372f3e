package service

import (
	"context"
	"errors"
	"log"

	"payrecon/internal/model"
	"payrecon/internal/repository"
)

var ErrCleanupTooRecent = errors.New("清理保留期不得低于 24 小时")

// TrackService track 维护操作，供后台任务和清理工具调用
type TrackService struct {
	trackRepo *repository.TrackRepository
}

func NewTrackService(trackRepo *repository.TrackRepository) *TrackService {
	return &TrackService{trackRepo: trackRepo}
}

// ExpireOld 把超龄未消费的 track 标记为已用
// 只动 track 不动订单，订单的收敛交给恢复扫描
func (s *TrackService) ExpireOld(ctx context.Context, hoursOld int) (int64, error) {
	n, err := s.trackRepo.ExpireOld(ctx, hoursOld)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Track] 过期 track: count=%d, threshold=%dh", n, hoursOld)
	}
	return n, nil
}

// Cleanup 硬删除过期 track
// 保留期低于 24 小时直接拒绝：恢复扫描还需要这些行。
// 删除未消费的行（onlyUsed=false）必须由调用方显式确认
func (s *TrackService) Cleanup(ctx context.Context, hoursOld int, onlyUsed, confirmed bool) (int64, error) {
	if hoursOld < 24 {
		return 0, ErrCleanupTooRecent
	}
	if !onlyUsed && !confirmed {
		return 0, repository.ErrTrackCleanupGuard
	}

	n, err := s.trackRepo.Cleanup(ctx, hoursOld, onlyUsed)
	if err != nil {
		return 0, err
	}
	log.Printf("[Track] 清理 track: deleted=%d, threshold=%dh, only_used=%v", n, hoursOld, onlyUsed)
	return n, nil
}

func (s *TrackService) Statistics(ctx context.Context) (*model.TrackStatistics, error) {
	return s.trackRepo.Statistics(ctx)
}

// StuckTracks 长期未消费的 track 清单，供人工排查
func (s *TrackService) StuckTracks(ctx context.Context, hoursOld, limit int) ([]*model.PaymentTrack, error) {
	return s.trackRepo.GetStuckTracks(ctx, hoursOld, limit)
}
