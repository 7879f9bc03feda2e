package service

import (
	"context"
	"time"

	"mcm_daemon/internal/models"
)

// StatusSource is satisfied by *fan.Controller.
type StatusSource interface {
	Snapshot() models.FanStatus
}

type MonitoringService struct {
	src StatusSource
}

func NewMonitoringService(src StatusSource) *MonitoringService {
	return &MonitoringService{src: src}
}

// GetState returns the controller snapshot with UTC timestamps.
func (s *MonitoringService) GetState(ctx context.Context) (models.FanStatus, error) {
	if err := ctx.Err(); err != nil {
		return models.FanStatus{}, err
	}
	st := s.src.Snapshot()
	st.UpdatedAt = toUTC(st.UpdatedAt)
	if st.LastTransition != nil {
		st.LastTransition.OccurredAt = toUTC(st.LastTransition.OccurredAt)
	}
	return st, nil
}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
