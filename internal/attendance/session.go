// Package attendance tracks participant presence inside a live meeting: join/leave
// intervals, skew-tolerant durations and the per-meeting ledger that owns them.
package attendance

import "time"

const (
	// SkewTolerance is the largest negative join→leave gap still treated as clock drift.
	SkewTolerance = time.Hour
	// MaxSessionMinutes caps a single presence interval (24h); longer sessions are invalid.
	MaxSessionMinutes = 1440
	// MeaningfulThreshold is the minimum presence that counts towards attendance.
	MeaningfulThreshold = 30 * time.Second
	// ResumeWindow is how long after leaving a session may still be resumed.
	ResumeWindow = 10 * time.Minute
	// DuplicateJoinWindow is how recent a join must be for a reconnect to reuse it.
	DuplicateJoinWindow = 2 * time.Minute
	// OverlapBuffer widens both intervals when looking for duplicate records.
	OverlapBuffer = 30 * time.Second
)

// Session is one participant's presence interval within a meeting.
// LeaveTime and DurationMinutes are nil while the session is active.
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	UserName        string     `json:"user_name"`
	MeetingID       string     `json:"meeting_id"`
	JoinTime        time.Time  `json:"join_time"`
	LeaveTime       *time.Time `json:"leave_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
}

func newSession(id, userID, userName, meetingID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		UserName:  userName,
		MeetingID: meetingID,
		JoinTime:  now.UTC(),
	}
}

// End closes the session at now. A leave time before the join time is clamped
// to one second after the join instead of being rejected; the observed skew
// is returned (zero when the clocks agreed).
func (s *Session) End(now time.Time) time.Duration {
	return s.closeAt(now)
}

// ForceEnd closes the session at a time supplied by an external authority,
// e.g. meeting teardown. Clamping is identical to End.
func (s *Session) ForceEnd(at time.Time) time.Duration {
	return s.closeAt(at)
}

func (s *Session) closeAt(t time.Time) time.Duration {
	raw := t.Sub(s.JoinTime)
	leave := t.UTC()
	if raw < 0 {
		leave = s.JoinTime.Add(time.Second)
	}
	s.LeaveTime = &leave
	s.recalculateDuration(raw)
	if raw < 0 {
		return -raw
	}
	return 0
}

// recalculateDuration caches the rounded minutes for the observed gap.
// Small negative gaps count by magnitude; large ones count as zero.
func (s *Session) recalculateDuration(raw time.Duration) {
	secs := int64(raw / time.Second)
	if raw < 0 {
		if -raw < SkewTolerance {
			secs = -secs
		} else {
			secs = 0
		}
	}
	m := roundMinutes(secs)
	s.DurationMinutes = &m
}

// Rejoin reopens an ended session. It reports false if the session is still active.
func (s *Session) Rejoin() bool {
	if s.IsActive() {
		return false
	}
	s.LeaveTime = nil
	s.DurationMinutes = nil
	return true
}

// Reconcile brings the cached duration back in line with the timestamps:
// cleared on an active session, recomputed when missing or negative on an
// ended one. It reports whether anything changed. A leave time before the
// join time is left alone so the session stays invalid.
func (s *Session) Reconcile() bool {
	if s.LeaveTime == nil {
		if s.DurationMinutes == nil {
			return false
		}
		s.DurationMinutes = nil
		return true
	}
	if s.JoinTime.IsZero() || s.LeaveTime.Before(s.JoinTime) {
		return false
	}
	if s.DurationMinutes != nil && *s.DurationMinutes >= 0 {
		return false
	}
	s.recalculateDuration(s.LeaveTime.Sub(s.JoinTime))
	return true
}

// IsActive reports whether the participant is still present.
func (s *Session) IsActive() bool {
	return s.LeaveTime == nil
}

// CurrentDurationSeconds is the presence so far: up to now for an active
// session, up to the leave time otherwise. Never negative.
func (s *Session) CurrentDurationSeconds(now time.Time) int64 {
	end := now
	if s.LeaveTime != nil {
		end = *s.LeaveTime
	}
	secs := int64(end.Sub(s.JoinTime) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// CurrentDurationMinutes returns the cached duration of an ended session, or
// the live rounded duration of an active one.
func (s *Session) CurrentDurationMinutes(now time.Time) int {
	if s.LeaveTime != nil && s.DurationMinutes != nil {
		if *s.DurationMinutes < 0 {
			return 0
		}
		return *s.DurationMinutes
	}
	return roundMinutes(s.CurrentDurationSeconds(now))
}

// IsValid is a pure check; it never repairs the session (see Reconcile).
func (s *Session) IsValid(now time.Time) bool {
	if s.JoinTime.IsZero() {
		return false
	}
	if s.UserID == "" || s.UserName == "" || s.MeetingID == "" {
		return false
	}
	if s.LeaveTime != nil && s.LeaveTime.Before(s.JoinTime) {
		return false
	}
	return s.CurrentDurationMinutes(now) <= MaxSessionMinutes
}

// IsMeaningful filters out blips shorter than MeaningfulThreshold.
func (s *Session) IsMeaningful(now time.Time) bool {
	return s.IsValid(now) && s.CurrentDurationSeconds(now) >= int64(MeaningfulThreshold/time.Second)
}

// CanBeResumed reports whether an ended session left recently enough to be reopened.
func (s *Session) CanBeResumed(now time.Time) bool {
	if s.IsActive() || !s.IsValid(now) {
		return false
	}
	if now.Sub(*s.LeaveTime) > ResumeWindow {
		return false
	}
	return s.IsMeaningful(now)
}

// OverlapsWith reports whether the two presence intervals, each widened by
// buffer on both ends, intersect. Active sessions extend to now.
func (s *Session) OverlapsWith(other *Session, buffer time.Duration, now time.Time) bool {
	aStart, aEnd := s.interval(now)
	bStart, bEnd := other.interval(now)
	aStart, aEnd = aStart.Add(-buffer), aEnd.Add(buffer)
	bStart, bEnd = bStart.Add(-buffer), bEnd.Add(buffer)
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

func (s *Session) interval(now time.Time) (time.Time, time.Time) {
	if s.LeaveTime != nil {
		return s.JoinTime, *s.LeaveTime
	}
	return s.JoinTime, now
}

func (s *Session) clone() Session {
	c := *s
	if s.LeaveTime != nil {
		t := *s.LeaveTime
		c.LeaveTime = &t
	}
	if s.DurationMinutes != nil {
		d := *s.DurationMinutes
		c.DurationMinutes = &d
	}
	return c
}

// roundMinutes converts seconds to minutes, rounding half up.
func roundMinutes(secs int64) int {
	if secs <= 0 {
		return 0
	}
	m := secs / 60
	if secs%60 >= 30 {
		m++
	}
	return int(m)
}
