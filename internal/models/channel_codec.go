package models

import (
	"time"

	"gorm.io/gorm"
)

// ChannelCodec caches codec information sniffed from a channel's transport
// stream. Cached entries let the relay report codecs without re-probing an
// upstream that has not changed.
type ChannelCodec struct {
	BaseModel

	// StreamURL is the upstream URL that was probed (unique index).
	StreamURL string `gorm:"uniqueIndex;not null;size:2048" json:"stream_url"`

	// Video stream information.
	VideoCodec string `gorm:"size:50" json:"video_codec,omitempty"`
	VideoPID   uint16 `json:"video_pid,omitempty"`

	// Audio stream information.
	AudioCodec string `gorm:"size:50" json:"audio_codec,omitempty"`
	AudioPID   uint16 `json:"audio_pid,omitempty"`

	// Probing metadata.
	ProbedAt   time.Time `gorm:"not null;index" json:"probed_at"`
	ProbeError string    `gorm:"size:1000" json:"probe_error,omitempty"`

	// Cache control.
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	HitCount  int64      `gorm:"default:0" json:"hit_count"`
}

// TableName returns the table name for ChannelCodec.
func (ChannelCodec) TableName() string {
	return "channel_codecs"
}

// Validate performs basic validation on the codec info.
func (c *ChannelCodec) Validate() error {
	if c.StreamURL == "" {
		return ErrStreamURLRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates and sets defaults.
func (c *ChannelCodec) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if c.ProbedAt.IsZero() {
		c.ProbedAt = time.Now()
	}
	return c.Validate()
}

// BeforeUpdate is a GORM hook that validates before update.
func (c *ChannelCodec) BeforeUpdate(tx *gorm.DB) error {
	return c.Validate()
}

// IsExpired returns true if the cached codec info has expired.
func (c *ChannelCodec) IsExpired() bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*c.ExpiresAt)
}

// IsValid returns true if we have usable codec information.
func (c *ChannelCodec) IsValid() bool {
	return c.ProbeError == "" && (c.VideoCodec != "" || c.AudioCodec != "")
}

// SetExpiry sets the expiration time based on a duration from now.
func (c *ChannelCodec) SetExpiry(d time.Duration) {
	expires := time.Now().Add(d)
	c.ExpiresAt = &expires
}

// Touch increments the hit count.
func (c *ChannelCodec) Touch() {
	c.HitCount++
	c.UpdatedAt = time.Now()
}
