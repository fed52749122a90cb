package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/attendance/internal/attendance"
	"github.com/aura-webinar/attendance/internal/meetings"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeViewer struct {
	ledger *attendance.Ledger
	err    error
}

func (f fakeViewer) View(_ context.Context, _ string, fn func(*attendance.Ledger) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(f.ledger)
}

func serve(v LedgerViewer) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/meetings/:id/analytics", NewHandler(v, nil, nil).GetByMeeting)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/meetings/m-1/analytics", nil))
	return w
}

func TestGetByMeeting(t *testing.T) {
	w := serve(fakeViewer{ledger: sampleLedger()})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool    `json:"success"`
		Data    Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 3, body.Data.TotalAttended)
	assert.InDelta(t, 75.0, body.Data.AttendanceRatePercent, 1e-9)
}

func TestGetByMeetingErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", fmt.Errorf("load attendance: %w", meetings.ErrMeetingNotFound), http.StatusNotFound},
		{"busy", fmt.Errorf("lock meeting m-1: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(fakeViewer{err: tc.err})
			assert.Equal(t, tc.code, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}
