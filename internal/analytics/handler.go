package analytics

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/meetings"
	"github.com/aura-webinar/attendance/pkg/response"
)

// LedgerViewer gives read access to a meeting's ledger under its lock.
type LedgerViewer interface {
	View(ctx context.Context, meetingID string, fn func(*attendance.Ledger) error) error
}

// Handler handles GET /meetings/:id/analytics.
type Handler struct {
	viewer   LedgerViewer
	observer attendance.Observer
	logger   *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(viewer LedgerViewer, observer attendance.Observer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{viewer: viewer, observer: observer, logger: logger}
}

// GetByMeeting handles GET /meetings/:id/analytics. Host or admin access is enforced by route middleware.
func (h *Handler) GetByMeeting(c *gin.Context) {
	meetingID := c.Param("id")
	if meetingID == "" {
		response.BadRequest(c, "invalid meeting id")
		return
	}

	var out Summary
	err := h.viewer.View(c.Request.Context(), meetingID, func(l *attendance.Ledger) error {
		out = Summarize(l, h.observer)
		return nil
	})
	switch {
	case err == nil:
		response.OK(c, out)
	case errors.Is(err, meetings.ErrMeetingNotFound):
		response.NotFound(c, "meeting not found")
	case errors.Is(err, context.DeadlineExceeded):
		response.ServiceUnavailable(c, "meeting busy, retry")
	default:
		h.logger.Error("analytics summary failed", zap.String("meeting_id", meetingID), zap.Error(err))
		response.Internal(c, "failed to load analytics")
	}
}
