package analytics

import (
	"time"

	"github.com/aura-webinar/attendance/internal/attendance"
)

// Summary is the attendance figures for one meeting at a point in time.
type Summary struct {
	MeetingID              string         `json:"meeting_id"`
	GeneratedAt            time.Time      `json:"generated_at"`
	ActiveCount            int            `json:"active_count"`
	UniqueParticipants     int            `json:"unique_participants"`
	InvitedCount           int            `json:"invited_count"`
	TotalAttended          int            `json:"total_attended"`
	NoShowCount            int            `json:"no_show_count"`
	AttendanceRatePercent  float64        `json:"attendance_rate_percent"`
	AvgMinutesPerAttendee  float64        `json:"avg_minutes_per_attendee"`
	PerUserDurationMinutes map[string]int `json:"per_user_duration_minutes"`
}

// Summarize reads the ledger and never mutates it. A nil or empty ledger
// yields a zero-valued summary. Anomalies found along the way go to obs.
func Summarize(l *attendance.Ledger, obs attendance.Observer) Summary {
	out := Summary{PerUserDurationMinutes: map[string]int{}}
	if l == nil {
		return out
	}
	if obs == nil {
		obs = attendance.NopObserver{}
	}
	now := l.Now()
	out.MeetingID = l.MeetingID()
	out.GeneratedAt = now

	for _, s := range l.Sessions() {
		reportAnomalies(s, now, obs)
	}

	out.ActiveCount = l.ActiveAttendanceCount()
	out.UniqueParticipants = l.UniqueParticipantsCount()
	out.AttendanceRatePercent = l.AttendanceRate()

	invited := l.ParticipantIDs()
	out.InvitedCount = len(invited)

	attended := l.MeaningfulAttendees()
	out.TotalAttended = len(attended)
	attendedSet := make(map[string]struct{}, len(attended))
	for _, id := range attended {
		attendedSet[id] = struct{}{}
	}
	showed := 0
	for _, id := range invited {
		if _, ok := attendedSet[id]; ok {
			showed++
		}
	}
	out.NoShowCount = len(invited) - showed

	total := 0
	for _, id := range l.AttendeeIDs() {
		m := l.TotalAttendanceTimeForUser(id)
		out.PerUserDurationMinutes[id] = m
		total += m
	}
	if out.UniqueParticipants > 0 {
		out.AvgMinutesPerAttendee = float64(total) / float64(out.UniqueParticipants)
	}
	return out
}

func reportAnomalies(s attendance.Session, now time.Time, obs attendance.Observer) {
	if s.JoinTime.IsZero() {
		return
	}
	if s.LeaveTime != nil && s.LeaveTime.Before(s.JoinTime) {
		obs.ClockSkewCorrected(s, s.JoinTime.Sub(*s.LeaveTime))
		return
	}
	if m := s.CurrentDurationMinutes(now); m > attendance.MaxSessionMinutes {
		obs.DurationExceeded(s, m)
	}
}
