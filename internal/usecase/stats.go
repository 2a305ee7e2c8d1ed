package usecase

import (
	"context"
	"time"

	"github.com/REFLX0/RAM/internal/matcher"
)

// TodayStats summarises today's journaled outcomes at this kiosk.
type TodayStats struct {
	Since       time.Time `json:"since"`
	Granted     int64     `json:"granted"`
	Expired     int64     `json:"expired"`
	Denied      int64     `json:"denied"`
	Total       int64     `json:"total"`
	SuccessRate float64   `json:"success_rate"`
}

// TodayStats aggregates journal entries since local midnight.
func (uc *KioskUseCase) TodayStats(ctx context.Context) (*TodayStats, error) {
	now := uc.now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	counts, err := uc.journal.CountByStatusSince(ctx, since)
	if err != nil {
		return nil, err
	}

	stats := &TodayStats{
		Since:   since,
		Granted: counts[string(matcher.Granted)],
		Expired: counts[string(matcher.Expired)],
		Denied:  counts[string(matcher.Denied)],
	}
	stats.Total = stats.Granted + stats.Expired + stats.Denied
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Granted) / float64(stats.Total)
	}
	return stats, nil
}
