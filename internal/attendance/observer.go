package attendance

import (
	"time"

	"go.uber.org/zap"
)

// Observer receives data-quality corrections that are never surfaced to callers.
type Observer interface {
	// ClockSkewCorrected is called when a leave time before the join time was clamped.
	ClockSkewCorrected(s Session, skew time.Duration)
	// DurationExceeded is called when a session runs past MaxSessionMinutes.
	DurationExceeded(s Session, minutes int)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) ClockSkewCorrected(Session, time.Duration) {}
func (NopObserver) DurationExceeded(Session, int)             {}

// LogObserver writes corrections as zap warnings.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates an observer that logs through logger.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

// ClockSkewCorrected logs the clamped skew.
func (o *LogObserver) ClockSkewCorrected(s Session, skew time.Duration) {
	o.logger.Warn("attendance clock skew corrected",
		zap.String("meeting_id", s.MeetingID),
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.Duration("skew", skew),
		zap.Bool("beyond_tolerance", skew >= SkewTolerance),
	)
}

// DurationExceeded logs a session that broke the 24h guard.
func (o *LogObserver) DurationExceeded(s Session, minutes int) {
	o.logger.Warn("attendance session exceeds max duration",
		zap.String("meeting_id", s.MeetingID),
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.Int("minutes", minutes),
		zap.Int("max_minutes", MaxSessionMinutes),
	)
}
