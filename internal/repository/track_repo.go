package repository

import (
	"context"
	"errors"
	"time"

	"payrecon/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTrackNotFound     = errors.New("track 不存在")
	ErrDuplicateTrackID  = errors.New("track_id 已存在")
	ErrTrackCleanupGuard = errors.New("删除未使用 track 需要显式确认")
)

type TrackRepository struct {
	db *gorm.DB
}

func NewTrackRepository(db *gorm.DB) *TrackRepository {
	return &TrackRepository{db: db}
}

// Store 写入网关签发的一次性凭证
// 必须在网关确认发起成功后、返回跳转地址之前同步调用；
// track_id 唯一约束由数据库保证，冲突映射为 ErrDuplicateTrackID
func (r *TrackRepository) Store(ctx context.Context, track *model.PaymentTrack) error {
	err := r.db.WithContext(ctx).Create(track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateTrackID
		}
		return err
	}
	return nil
}

func (r *TrackRepository) GetByTrackID(ctx context.Context, trackID string) (*model.PaymentTrack, error) {
	var track model.PaymentTrack
	err := r.db.WithContext(ctx).Where("track_id = ?", trackID).First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrackNotFound
		}
		return nil, err
	}
	return &track, nil
}

func (r *TrackRepository) GetByTradeNo(ctx context.Context, tradeNo string) (*model.PaymentTrack, error) {
	var track model.PaymentTrack
	err := r.db.WithContext(ctx).Where("trade_no = ?", tradeNo).First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrackNotFound
		}
		return nil, err
	}
	return &track, nil
}

func (r *TrackRepository) GetByOrderID(ctx context.Context, orderID int64) (*model.PaymentTrack, error) {
	if orderID <= 0 {
		return nil, ErrTrackNotFound
	}
	var track model.PaymentTrack
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrackNotFound
		}
		return nil, err
	}
	return &track, nil
}

// IsValid 凭证存在且未被消费
func (r *TrackRepository) IsValid(ctx context.Context, trackID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.PaymentTrack{}).
		Where("track_id = ? AND is_used = ?", trackID, false).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkUsed 单向消费凭证，幂等：
// 已消费的 track 再次标记视为成功（RowsAffected 为 0 但行存在）
func (r *TrackRepository) MarkUsed(ctx context.Context, tx *gorm.DB, trackID string) error {
	if tx == nil {
		tx = r.db
	}

	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.PaymentTrack{}).
		Where("track_id = ? AND is_used = ?", trackID, false).
		Updates(map[string]interface{}{
			"is_used": true,
			"used_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := tx.WithContext(ctx).Model(&model.PaymentTrack{}).Where("track_id = ?", trackID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrTrackNotFound
	}
	return nil
}

// ExpireOld 把超过阈值仍未消费的 track 批量标记为已用（不结算）
// 防止被放弃的支付尝试被恢复扫描永远轮询
func (r *TrackRepository) ExpireOld(ctx context.Context, hoursOld int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(hoursOld) * time.Hour)
	now := time.Now()

	result := r.db.WithContext(ctx).
		Model(&model.PaymentTrack{}).
		Where("is_used = ? AND created_at < ?", false, cutoff).
		Updates(map[string]interface{}{
			"is_used": true,
			"used_at": &now,
		})
	return result.RowsAffected, result.Error
}

// Cleanup 硬删除过期 track
// onlyUsed=false 会连未消费的行一起删，属于危险操作，由调用方显式确认
func (r *TrackRepository) Cleanup(ctx context.Context, hoursOld int, onlyUsed bool) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(hoursOld) * time.Hour)

	query := r.db.WithContext(ctx).Where("created_at < ?", cutoff)
	if onlyUsed {
		query = query.Where("is_used = ?", true)
	}

	result := query.Delete(&model.PaymentTrack{})
	return result.RowsAffected, result.Error
}

// Statistics track 总量统计
func (r *TrackRepository) Statistics(ctx context.Context) (*model.TrackStatistics, error) {
	stats := &model.TrackStatistics{}
	db := r.db.WithContext(ctx).Model(&model.PaymentTrack{})

	if err := db.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("is_used = ?", true).Count(&stats.Used).Error; err != nil {
		return nil, err
	}
	stats.Unused = stats.Total - stats.Used

	if err := db.Session(&gorm.Session{}).
		Where("created_at >= ?", time.Now().Add(-24*time.Hour)).
		Count(&stats.Last24h).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).
		Where("is_used = ? AND created_at < ?", false, time.Now().Add(-48*time.Hour)).
		Count(&stats.UnusedOld48h).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// GetStuckTracks 长时间未消费的 track，供清理工具人工排查
func (r *TrackRepository) GetStuckTracks(ctx context.Context, hoursOld int, limit int) ([]*model.PaymentTrack, error) {
	var tracks []*model.PaymentTrack
	err := r.db.WithContext(ctx).
		Where("is_used = ? AND created_at < ?", false, time.Now().Add(-time.Duration(hoursOld)*time.Hour)).
		Order("created_at ASC").
		Limit(limit).
		Find(&tracks).Error
	return tracks, err
}
