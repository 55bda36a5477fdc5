// Package repository provides data access for relaycast entities.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaycast/relaycast/internal/models"
)

// ChannelCodecRepository defines operations for the codec cache.
type ChannelCodecRepository interface {
	// Upsert creates or updates a codec entry keyed by stream URL.
	Upsert(ctx context.Context, codec *models.ChannelCodec) error
	// GetByStreamURL retrieves codec info by stream URL; nil when absent.
	GetByStreamURL(ctx context.Context, streamURL string) (*models.ChannelCodec, error)
	// DeleteByStreamURL removes the entry for a stream URL.
	DeleteByStreamURL(ctx context.Context, streamURL string) error
	// DeleteExpired removes expired entries, returning the count deleted.
	DeleteExpired(ctx context.Context) (int64, error)
	// Count returns the number of cached entries.
	Count(ctx context.Context) (int64, error)
}

// channelCodecRepository implements ChannelCodecRepository using GORM.
type channelCodecRepository struct {
	db *gorm.DB
}

// NewChannelCodecRepository creates a new ChannelCodecRepository.
func NewChannelCodecRepository(db *gorm.DB) ChannelCodecRepository {
	return &channelCodecRepository{db: db}
}

func (r *channelCodecRepository) Upsert(ctx context.Context, codec *models.ChannelCodec) error {
	if err := codec.Validate(); err != nil {
		return fmt.Errorf("validating codec entry: %w", err)
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stream_url"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"video_codec", "video_pid",
			"audio_codec", "audio_pid",
			"probed_at", "probe_error",
			"expires_at", "hit_count",
			"updated_at",
		}),
	}).Create(codec).Error
}

func (r *channelCodecRepository) GetByStreamURL(ctx context.Context, streamURL string) (*models.ChannelCodec, error) {
	var codec models.ChannelCodec
	if err := r.db.WithContext(ctx).First(&codec, "stream_url = ?", streamURL).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &codec, nil
}

// DeleteByStreamURL hard-deletes so the unique stream_url constraint cannot
// conflict with a later re-probe.
func (r *channelCodecRepository) DeleteByStreamURL(ctx context.Context, streamURL string) error {
	return r.db.WithContext(ctx).Unscoped().Delete(&models.ChannelCodec{}, "stream_url = ?", streamURL).Error
}

func (r *channelCodecRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
		Delete(&models.ChannelCodec{})
	return result.RowsAffected, result.Error
}

func (r *channelCodecRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChannelCodec{}).Count(&count).Error
	return count, err
}
