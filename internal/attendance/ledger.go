package attendance

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Options configures a Ledger's collaborators. Zero values fall back to
// SystemClock, NopObserver and uuid.NewString.
type Options struct {
	Clock    Clock
	Observer Observer
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Ledger is the authoritative set of presence records for one meeting.
// It is not safe for concurrent use; callers serialize access per meeting.
type Ledger struct {
	meetingID    string
	participants map[string]struct{}
	sessions     []*Session
	clock        Clock
	observer     Observer
	newID        func() string
}

// NewLedger creates an empty ledger for a meeting with its invited participants.
func NewLedger(meetingID string, participantIDs []string, opts Options) *Ledger {
	opts = opts.withDefaults()
	l := &Ledger{
		meetingID:    meetingID,
		participants: make(map[string]struct{}, len(participantIDs)),
		clock:        opts.Clock,
		observer:     opts.Observer,
		newID:        opts.NewID,
	}
	l.AddParticipants(participantIDs...)
	return l
}

// Restore rebuilds a ledger from persisted state. Sessions are copied and kept
// in the given order; nothing is validated until RemoveInvalidSessions runs.
func Restore(meetingID string, participantIDs []string, sessions []Session, opts Options) *Ledger {
	l := NewLedger(meetingID, participantIDs, opts)
	l.sessions = make([]*Session, 0, len(sessions))
	for i := range sessions {
		s := sessions[i].clone()
		l.sessions = append(l.sessions, &s)
	}
	return l
}

// MeetingID returns the meeting this ledger belongs to.
func (l *Ledger) MeetingID() string { return l.meetingID }

// Now reads the ledger's clock.
func (l *Ledger) Now() time.Time { return l.clock.Now() }

// AddParticipants adds invitees and returns how many were new.
func (l *Ledger) AddParticipants(ids ...string) int {
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := l.participants[id]; ok {
			continue
		}
		l.participants[id] = struct{}{}
		added++
	}
	return added
}

// ParticipantIDs returns the invited set, sorted.
func (l *Ledger) ParticipantIDs() []string {
	ids := make([]string, 0, len(l.participants))
	for id := range l.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns copies of every record in insertion order, for persistence.
func (l *Ledger) Sessions() []Session {
	out := make([]Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s.clone())
	}
	return out
}

// AddOrUpdateAttendanceSession records a join. Repeated joins return the
// existing active session; a reconnect shortly after joining reopens the
// recent session instead of adding a duplicate.
func (l *Ledger) AddOrUpdateAttendanceSession(userID, userName string) Session {
	now := l.clock.Now()
	for _, s := range l.sessions {
		if s.UserID == userID && s.IsActive() && s.IsValid(now) {
			return s.clone()
		}
	}
	for i := len(l.sessions) - 1; i >= 0; i-- {
		s := l.sessions[i]
		if s.UserID != userID || s.IsActive() {
			continue
		}
		if now.Sub(s.JoinTime) <= DuplicateJoinWindow && s.IsValid(now) {
			s.Rejoin()
			return s.clone()
		}
	}
	s := newSession(l.newID(), userID, userName, l.meetingID, now)
	l.sessions = append(l.sessions, s)
	return s.clone()
}

// EndAttendanceSession ends the user's active session. It reports false when
// there was nothing to end.
func (l *Ledger) EndAttendanceSession(userID string) bool {
	now := l.clock.Now()
	for _, s := range l.sessions {
		if s.UserID == userID && s.IsActive() && s.IsValid(now) {
			l.end(s, now)
			return true
		}
	}
	return false
}

// EndAttendanceSessionByID ends one session by id; unknown, ended or invalid
// sessions are left alone.
func (l *Ledger) EndAttendanceSessionByID(sessionID string) bool {
	now := l.clock.Now()
	for _, s := range l.sessions {
		if s.ID != sessionID {
			continue
		}
		if !s.IsActive() || !s.IsValid(now) {
			return false
		}
		l.end(s, now)
		return true
	}
	return false
}

// EndAllActiveAttendanceSessions ends every active, valid session at the
// current time and returns how many were ended.
func (l *Ledger) EndAllActiveAttendanceSessions() int {
	now := l.clock.Now()
	n := 0
	for _, s := range l.sessions {
		if s.IsActive() && s.IsValid(now) {
			l.end(s, now)
			n++
		}
	}
	return n
}

// ForceEndAllActiveAttendanceSessions ends every active, valid session at an
// authoritative time, e.g. the scheduled end of the meeting. Sessions that
// joined after at are ended now instead.
func (l *Ledger) ForceEndAllActiveAttendanceSessions(at time.Time) int {
	now := l.clock.Now()
	n := 0
	for _, s := range l.sessions {
		if !s.IsActive() || !s.IsValid(now) {
			continue
		}
		if s.JoinTime.After(at) {
			l.end(s, now)
		} else {
			s.ForceEnd(at)
		}
		n++
	}
	return n
}

func (l *Ledger) end(s *Session, now time.Time) {
	if skew := s.End(now); skew > 0 {
		l.observer.ClockSkewCorrected(s.clone(), skew)
	}
}

// ActiveAttendanceCount counts sessions that are active and valid.
func (l *Ledger) ActiveAttendanceCount() int {
	now := l.clock.Now()
	n := 0
	for _, s := range l.sessions {
		if s.IsActive() && s.IsValid(now) {
			n++
		}
	}
	return n
}

// TotalAttendanceTimeForUser sums the user's valid session durations, in minutes.
func (l *Ledger) TotalAttendanceTimeForUser(userID string) int {
	now := l.clock.Now()
	total := 0
	for _, s := range l.sessions {
		if s.UserID == userID && s.IsValid(now) {
			total += s.CurrentDurationMinutes(now)
		}
	}
	return total
}

// AttendanceRate is distinct users with a meaningful session as a percentage
// of the invited set. Zero when nobody was invited.
func (l *Ledger) AttendanceRate() float64 {
	total := len(l.participants)
	if total == 0 {
		return 0
	}
	return float64(len(l.MeaningfulAttendees())) / float64(total) * 100
}

// MeaningfulAttendees lists distinct users with at least one meaningful session.
func (l *Ledger) MeaningfulAttendees() []string {
	now := l.clock.Now()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range l.sessions {
		if !s.IsMeaningful(now) {
			continue
		}
		if _, ok := seen[s.UserID]; ok {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, s.UserID)
	}
	return out
}

// RemoveInvalidSessions prunes the ledger in two passes: drop sessions that
// fail IsValid, then drop later records overlapping an earlier kept record of
// the same user. Cached durations are reconciled first. Returns the number of
// records removed.
func (l *Ledger) RemoveInvalidSessions() int {
	now := l.clock.Now()
	removed := 0

	valid := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		s.Reconcile()
		if !s.IsValid(now) {
			l.reportInvalid(s, now)
			removed++
			continue
		}
		valid = append(valid, s)
	}

	kept := make([]*Session, 0, len(valid))
	for _, s := range valid {
		duplicate := false
		for _, k := range kept {
			if k != s && k.UserID == s.UserID && k.OverlapsWith(s, OverlapBuffer, now) {
				duplicate = true
				break
			}
		}
		if duplicate {
			removed++
			continue
		}
		kept = append(kept, s)
	}

	l.sessions = kept
	return removed
}

func (l *Ledger) reportInvalid(s *Session, now time.Time) {
	if s.JoinTime.IsZero() {
		return
	}
	if s.LeaveTime != nil && s.LeaveTime.Before(s.JoinTime) {
		l.observer.ClockSkewCorrected(s.clone(), s.JoinTime.Sub(*s.LeaveTime))
		return
	}
	if m := s.CurrentDurationMinutes(now); m > MaxSessionMinutes {
		l.observer.DurationExceeded(s.clone(), m)
	}
}

// SessionsForUser returns the user's valid sessions ordered by join time.
func (l *Ledger) SessionsForUser(userID string) []Session {
	now := l.clock.Now()
	var out []Session
	for _, s := range l.sessions {
		if s.UserID == userID && s.IsValid(now) {
			out = append(out, s.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out
}

// UniqueParticipantsCount counts distinct users with any valid session.
func (l *Ledger) UniqueParticipantsCount() int {
	return len(l.AttendeeIDs())
}

// AttendeeIDs lists distinct users with any valid session, in first-seen order.
func (l *Ledger) AttendeeIDs() []string {
	now := l.clock.Now()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range l.sessions {
		if !s.IsValid(now) {
			continue
		}
		if _, ok := seen[s.UserID]; ok {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, s.UserID)
	}
	return out
}
