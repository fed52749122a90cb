package meetings

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/middleware"
	"github.com/aura-webinar/attendance/pkg/response"
)

// JoinRequest is the optional body for POST /meetings/:id/attendance/join.
type JoinRequest struct {
	UserName string `json:"user_name"`
}

// ForceEndRequest is the optional body for POST /meetings/:id/attendance/end-all.
type ForceEndRequest struct {
	At *time.Time `json:"at"`
}

// ParticipantsRequest is the body for POST /meetings/:id/participants.
type ParticipantsRequest struct {
	UserIDs []string `json:"user_ids" binding:"required,min=1,dive,required"`
}

// Handler handles attendance HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a meetings handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// Join handles POST /meetings/:id/attendance/join (caller joins; repeated calls are no-ops).
func (h *Handler) Join(c *gin.Context) {
	meetingID := c.Param("id")
	userID := c.GetString(middleware.ContextUserID)
	userName := c.GetString(middleware.ContextUserName)

	var req JoinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if req.UserName != "" {
		userName = req.UserName
	}
	if userName == "" {
		userName = userID
	}

	session, err := h.svc.Join(c.Request.Context(), meetingID, userID, userName)
	if err != nil {
		h.fail(c, err, "failed to join meeting")
		return
	}
	response.OK(c, session)
}

// Leave handles POST /meetings/:id/attendance/leave (idempotent).
func (h *Handler) Leave(c *gin.Context) {
	ended, err := h.svc.Leave(c.Request.Context(), c.Param("id"), c.GetString(middleware.ContextUserID))
	if err != nil {
		h.fail(c, err, "failed to leave meeting")
		return
	}
	response.OK(c, gin.H{"ended": ended})
}

// EndSession handles POST /meetings/:id/attendance/sessions/:sessionId/end.
func (h *Handler) EndSession(c *gin.Context) {
	ended, err := h.svc.EndSession(c.Request.Context(), c.Param("id"), c.Param("sessionId"))
	if err != nil {
		h.fail(c, err, "failed to end session")
		return
	}
	response.OK(c, gin.H{"ended": ended})
}

// EndAll handles POST /meetings/:id/attendance/end-all (host/admin teardown).
// An optional "at" closes sessions at that time instead of now.
func (h *Handler) EndAll(c *gin.Context) {
	var req ForceEndRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	var (
		n   int
		err error
	)
	if req.At != nil {
		n, err = h.svc.ForceEndAll(c.Request.Context(), c.Param("id"), *req.At)
	} else {
		n, err = h.svc.EndAll(c.Request.Context(), c.Param("id"))
	}
	if err != nil {
		h.fail(c, err, "failed to end sessions")
		return
	}
	response.OK(c, gin.H{"ended": n})
}

// Prune handles POST /meetings/:id/attendance/prune (admin cleanup).
func (h *Handler) Prune(c *gin.Context) {
	n, err := h.svc.Prune(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to prune sessions")
		return
	}
	response.OK(c, gin.H{"removed": n})
}

// ActiveCount handles GET /meetings/:id/attendance/active.
func (h *Handler) ActiveCount(c *gin.Context) {
	n, err := h.svc.ActiveCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to count active sessions")
		return
	}
	response.OK(c, gin.H{"active": n})
}

// UserAttendance handles GET /meetings/:id/attendance/users/:userId.
func (h *Handler) UserAttendance(c *gin.Context) {
	out, err := h.svc.UserAttendance(c.Request.Context(), c.Param("id"), c.Param("userId"))
	if err != nil {
		h.fail(c, err, "failed to load attendance")
		return
	}
	response.OK(c, out)
}

// AddParticipants handles POST /meetings/:id/participants (invite users).
func (h *Handler) AddParticipants(c *gin.Context) {
	var req ParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	added, err := h.svc.AddParticipants(c.Request.Context(), c.Param("id"), req.UserIDs)
	if err != nil {
		h.fail(c, err, "failed to add participants")
		return
	}
	response.Created(c, gin.H{"added": added})
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, ErrMeetingNotFound):
		response.NotFound(c, "meeting not found")
	case errors.Is(err, context.DeadlineExceeded):
		response.ServiceUnavailable(c, "meeting busy, retry")
	default:
		h.logger.Error(msg, zap.String("meeting_id", c.Param("id")), zap.Error(err))
		response.Internal(c, msg)
	}
}
