package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/REFLX0/RAM/internal/retry"
)

// AccessEvent is one journaled verification outcome at the kiosk.
type AccessEvent struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"column:session_id;index;size:64" json:"sessionId"`
	RequestID   string    `gorm:"column:request_id;size:64" json:"requestId,omitempty"`
	Status      string    `gorm:"column:status;index;size:16" json:"status"`
	SubjectID   string    `gorm:"column:subject_id;size:64" json:"subjectId,omitempty"`
	SubjectName string    `gorm:"column:subject_name;size:128" json:"subjectName,omitempty"`
	Confidence  *float64  `gorm:"column:confidence" json:"confidence,omitempty"`
	Message     string    `gorm:"column:message;type:text" json:"message,omitempty"`
	LatencyMs   int64     `gorm:"column:latency_ms" json:"latencyMs"`
	CreatedAt   time.Time `gorm:"column:created_at;index" json:"createdAt"`
}

// TableName overrides the default table name.
func (AccessEvent) TableName() string {
	return "access_events"
}

// StatusCount is one row of CountByStatusSince.
type StatusCount struct {
	Status string
	Total  int64
}

// AccessRepository persists the kiosk access journal.
type AccessRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewAccessRepository creates a new repository instance.
func NewAccessRepository(db *gorm.DB, logger *zap.Logger) *AccessRepository {
	logger = logger.Named("access_repository")
	return &AccessRepository{
		db:     db,
		logger: logger,
		retry:  retry.Default(logger, "database"),
	}
}

// AutoMigrate ensures the schema is available.
func (r *AccessRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AccessEvent{})
}

// SaveEvent appends an entry to the journal.
func (r *AccessRepository) SaveEvent(ctx context.Context, event *AccessEvent) error {
	return r.retry.Do(ctx, "repository.save_event", event.RequestID, func() error {
		return r.db.WithContext(ctx).Create(event).Error
	})
}

// CountByStatusSince tallies journal entries per status from since onwards.
func (r *AccessRepository) CountByStatusSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []StatusCount
	err := r.retry.Do(ctx, "repository.count_by_status", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&AccessEvent{}).
			Select("status, COUNT(*) AS total").
			Where("created_at >= ?", since).
			Group("status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// Recent returns the newest entries first.
func (r *AccessRepository) Recent(ctx context.Context, limit int) ([]AccessEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []AccessEvent
	err := r.retry.Do(ctx, "repository.recent", "", func() error {
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&events).Error
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
