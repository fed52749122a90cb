package meetings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/attendance"
)

// ActiveCountHandler is called after a mutation with the meeting's active session count.
type ActiveCountHandler func(meetingID string, active int)

// UserAttendance is one user's valid sessions and their total minutes.
type UserAttendance struct {
	UserID       string               `json:"user_id"`
	Sessions     []attendance.Session `json:"sessions"`
	TotalMinutes int                  `json:"total_minutes"`
}

// Service runs ledger operations inside each meeting's exclusive scope and
// persists the result through the store.
type Service struct {
	store       Store
	registry    *Registry
	opts        attendance.Options
	lockTimeout time.Duration
	logger      *zap.Logger
	onActive    ActiveCountHandler
}

// NewService creates an attendance service. lockTimeout bounds how long a
// caller waits for a busy meeting; zero means the caller's context decides.
func NewService(store Store, registry *Registry, opts attendance.Options, lockTimeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{store: store, registry: registry, opts: opts, lockTimeout: lockTimeout, logger: logger}
}

// SetActiveCountHandler sets the callback for active count changes (e.g. realtime broadcast).
func (s *Service) SetActiveCountHandler(fn ActiveCountHandler) {
	s.onActive = fn
}

// maxConflictRetries bounds how many save attempts an operation gets when
// another process keeps saving the same meeting first.
const maxConflictRetries = 3

// lock runs fn in the meeting's exclusive scope. Only the wait is bounded by lockTimeout.
func (s *Service) lock(ctx context.Context, meetingID string, fn func(*slot) error) error {
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	return s.registry.Do(lockCtx, meetingID, fn)
}

func (s *Service) withLedger(ctx context.Context, meetingID string, fn func(*attendance.Ledger) (bool, error)) error {
	active := -1
	err := s.lock(ctx, meetingID, func(sl *slot) error {
		for attempt := 0; ; attempt++ {
			if err := s.refresh(ctx, meetingID, sl); err != nil {
				return err
			}
			changed, err := fn(sl.ledger)
			if err != nil || !changed {
				return err
			}
			version, err := s.store.SaveAttendance(ctx, meetingID, sl.version, sl.ledger.Sessions())
			if err != nil {
				// Drop the cache so the next attempt starts from what was persisted.
				sl.ledger = nil
				if errors.Is(err, ErrVersionConflict) && attempt+1 < maxConflictRetries {
					s.logger.Debug("attendance save conflict, reapplying",
						zap.String("meeting_id", meetingID), zap.Int("attempt", attempt+1))
					continue
				}
				return fmt.Errorf("save attendance: %w", err)
			}
			sl.version = version
			active = sl.ledger.ActiveAttendanceCount()
			return nil
		}
	})
	if err == nil && active >= 0 && s.onActive != nil {
		s.onActive(meetingID, active)
	}
	return err
}

// refresh makes sure the slot holds a ledger matching the stored version.
func (s *Service) refresh(ctx context.Context, meetingID string, sl *slot) error {
	if sl.ledger != nil {
		version, err := s.store.AttendanceVersion(ctx, meetingID)
		if err != nil {
			return fmt.Errorf("check attendance version: %w", err)
		}
		if version == sl.version {
			return nil
		}
	}
	state, err := s.store.LoadAttendance(ctx, meetingID)
	if err != nil {
		sl.ledger = nil
		return fmt.Errorf("load attendance: %w", err)
	}
	sl.ledger = attendance.Restore(meetingID, state.ParticipantIDs, state.Sessions, s.opts)
	sl.version = state.Version
	return nil
}

// View runs fn against a consistent snapshot of the meeting's ledger. fn must not mutate it.
func (s *Service) View(ctx context.Context, meetingID string, fn func(*attendance.Ledger) error) error {
	return s.withLedger(ctx, meetingID, func(l *attendance.Ledger) (bool, error) {
		return false, fn(l)
	})
}

// Join records that a user joined the meeting.
func (s *Service) Join(ctx context.Context, meetingID, userID, userName string) (attendance.Session, error) {
	var out attendance.Session
	err := s.withLedger(ctx, meetingID, func(l *attendance.Ledger) (bool, error) {
		before := len(l.Sessions())
		out = l.AddOrUpdateAttendanceSession(userID, userName)
		s.logger.Info("attendance join",
			zap.String("meeting_id", meetingID),
			zap.String("user_id", userID),
			zap.String("session_id", out.ID),
			zap.Bool("new_session", len(l.Sessions()) > before),
		)
		return true, nil
	})
	return out, err
}

// Leave ends the user's active session; false means there was none.
func (s *Service) Leave(ctx context.Context, meetingID, userID string) (bool, error) {
	var ended bool
	err := s.withLedger(ctx, meetingID, func(l *attendance.Ledger) (bool, error) {
		ended = l.EndAttendanceSession(userID)
		if ended {
			s.logger.Info("attendance leave", zap.String("meeting_id", meetingID), zap.String("user_id", userID))
		}
		return ended, nil
	})
	return ended, err
}

// EndSession ends one session by id; false means it was missing or already ended.
func (s *Service) EndSession(ctx context.Context, meetingID, sessionID string) (bool, error) {
	var ended bool
	err := s.withLedger(ctx, meetingID, func(l *attendance.Ledger) (bool, error) {
		ended = l.EndAttendanceSessionByID(sessionID)
		return ended, nil
	})
	return ended, err
}

// EndAll ends every active session now (meeting teardown).
func (s *Service) EndAll(ctx context.Context, meetingID string) (int, error) {
	var n int
	err := s.withLedger(ctx, meetingID, func(l *attendance.Ledger) (bool, error) {
		n = l.EndAllActiveAttendanceSessions()
		return n > 0, nil
	})
	if err == nil && n > 0 {
		s.logger.Info("attendance ended all", zap.String("meeting_id", meetingID), zap.Int("ended", n))
	}
	return n, err
}

// ForceEndAll ends every active session at an authoritative time, e.g. the scheduled end.
func (s *Service) ForceEndAll(ctx context.Context, meetingID string, at time.Time) (int, error) {
	var n int
	err := s.withLedger(ctx, meetingID, func(l *attendance.Ledger) (bool, error) {
		n = l.ForceEndAllActiveAttendanceSessions(at)
		return n > 0, nil
	})
	if err == nil && n > 0 {
		s.logger.Info("attendance force ended all", zap.String("meeting_id", meetingID), zap.Int("ended", n), zap.Time("at", at))
	}
	return n, err
}

// Prune removes invalid and duplicate sessions.
func (s *Service) Prune(ctx context.Context, meetingID string) (int, error) {
	var n int
	err := s.withLedger(ctx, meetingID, func(l *attendance.Ledger) (bool, error) {
		n = l.RemoveInvalidSessions()
		return n > 0, nil
	})
	if err == nil && n > 0 {
		s.logger.Info("attendance pruned", zap.String("meeting_id", meetingID), zap.Int("removed", n))
	}
	return n, err
}

// ActiveCount returns the number of active, valid sessions.
func (s *Service) ActiveCount(ctx context.Context, meetingID string) (int, error) {
	var n int
	err := s.View(ctx, meetingID, func(l *attendance.Ledger) error {
		n = l.ActiveAttendanceCount()
		return nil
	})
	return n, err
}

// UserAttendance returns one user's sessions and total minutes.
func (s *Service) UserAttendance(ctx context.Context, meetingID, userID string) (UserAttendance, error) {
	out := UserAttendance{UserID: userID}
	err := s.View(ctx, meetingID, func(l *attendance.Ledger) error {
		out.Sessions = l.SessionsForUser(userID)
		out.TotalMinutes = l.TotalAttendanceTimeForUser(userID)
		return nil
	})
	return out, err
}

// AddParticipants invites users to the meeting and returns how many were new.
func (s *Service) AddParticipants(ctx context.Context, meetingID string, userIDs []string) (int, error) {
	userIDs = cleanUserIDs(userIDs)
	if len(userIDs) == 0 {
		return 0, nil
	}
	var added int
	err := s.lock(ctx, meetingID, func(sl *slot) error {
		if err := s.refresh(ctx, meetingID, sl); err != nil {
			return err
		}
		added = sl.ledger.AddParticipants(userIDs...)
		// The store bumps the version, so the next call reloads.
		sl.ledger = nil
		if err := s.store.AddParticipants(ctx, meetingID, userIDs); err != nil {
			return fmt.Errorf("add participants: %w", err)
		}
		return nil
	})
	return added, err
}

// cleanUserIDs trims ids and drops blanks and repeats, keeping first-seen order.
func cleanUserIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Evict forgets the meeting's cached ledger.
func (s *Service) Evict(ctx context.Context, meetingID string) error {
	return s.registry.Evict(ctx, meetingID)
}
