package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/attendance/internal/attendance"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingObserver struct {
	skews     []time.Duration
	overflows []int
}

func (o *recordingObserver) ClockSkewCorrected(_ attendance.Session, skew time.Duration) {
	o.skews = append(o.skews, skew)
}

func (o *recordingObserver) DurationExceeded(_ attendance.Session, minutes int) {
	o.overflows = append(o.overflows, minutes)
}

func ended(id, user string, join, leave time.Time) attendance.Session {
	m := int(leave.Sub(join).Round(time.Minute) / time.Minute)
	return attendance.Session{
		ID: id, UserID: user, UserName: user, MeetingID: "m-1",
		JoinTime: join, LeaveTime: &leave, DurationMinutes: &m,
	}
}

func active(id, user string, join time.Time) attendance.Session {
	return attendance.Session{ID: id, UserID: user, UserName: user, MeetingID: "m-1", JoinTime: join}
}

// sampleLedger is an hour into a meeting with four invitees.
func sampleLedger() *attendance.Ledger {
	sessions := []attendance.Session{
		ended("s-a", "a", t0, t0.Add(30*time.Minute)),
		active("s-b", "b", t0),
		ended("s-c", "c", t0.Add(5*time.Minute), t0.Add(5*time.Minute+10*time.Second)),
		ended("s-x", "x", t0.Add(10*time.Minute), t0.Add(15*time.Minute)),
		ended("s-skew", "d", t0.Add(20*time.Minute), t0.Add(19*time.Minute)),
		active("s-long", "e", t0.Add(60*time.Minute-25*time.Hour)),
	}
	clock := attendance.NewManualClock(t0.Add(time.Hour))
	return attendance.Restore("m-1", []string{"a", "b", "c", "d"}, sessions, attendance.Options{Clock: clock})
}

func TestSummarize(t *testing.T) {
	obs := &recordingObserver{}
	s := Summarize(sampleLedger(), obs)

	assert.Equal(t, "m-1", s.MeetingID)
	assert.Equal(t, t0.Add(time.Hour), s.GeneratedAt)
	assert.Equal(t, 1, s.ActiveCount)
	assert.Equal(t, 4, s.UniqueParticipants)
	assert.Equal(t, 4, s.InvitedCount)
	assert.Equal(t, 3, s.TotalAttended)
	assert.Equal(t, 2, s.NoShowCount)
	assert.InDelta(t, 75.0, s.AttendanceRatePercent, 1e-9)
	assert.InDelta(t, 23.75, s.AvgMinutesPerAttendee, 1e-9)
	assert.Equal(t, map[string]int{"a": 30, "b": 60, "c": 0, "x": 5}, s.PerUserDurationMinutes)

	assert.Equal(t, []time.Duration{time.Minute}, obs.skews)
	assert.Equal(t, []int{1500}, obs.overflows)
}

func TestSummarizeDoesNotMutate(t *testing.T) {
	l := sampleLedger()
	before := l.Sessions()
	_ = Summarize(l, nil)
	assert.Equal(t, before, l.Sessions())
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, nil)
	assert.Empty(t, s.MeetingID)
	assert.NotNil(t, s.PerUserDurationMinutes)

	l := attendance.NewLedger("m-2", nil, attendance.Options{Clock: attendance.NewManualClock(t0)})
	s = Summarize(l, nil)
	require.Equal(t, "m-2", s.MeetingID)
	assert.Zero(t, s.AttendanceRatePercent)
	assert.Zero(t, s.AvgMinutesPerAttendee)
	assert.Zero(t, s.NoShowCount)
}
