package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	job, err := NewJob(JobTypeEndMeeting, MeetingPayload{MeetingID: "m-1", At: &at}, at)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Zero(t, job.Attempt)

	p, err := job.MeetingPayload()
	require.NoError(t, err)
	assert.Equal(t, "m-1", p.MeetingID)
	require.NotNil(t, p.At)
	assert.True(t, at.Equal(*p.At))
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	_, err := DecodeJob([]byte("nope"))
	assert.Error(t, err)

	_, err = DecodeJob([]byte(`{"id":"j-1"}`))
	assert.Error(t, err)

	job, err := DecodeJob([]byte(`{"id":"j-1","type":"prune_meeting","payload":{"meeting_id":"m-2"}}`))
	require.NoError(t, err)
	assert.Equal(t, JobTypePruneMeeting, job.Type)
}

func TestMeetingPayloadRequiresMeetingID(t *testing.T) {
	job := &Job{Type: JobTypePruneMeeting, Payload: []byte(`{}`)}
	_, err := job.MeetingPayload()
	assert.Error(t, err)
}

func TestPendingKey(t *testing.T) {
	assert.Equal(t, "worker:pending:end_meeting:m-1", PendingKey(JobTypeEndMeeting, "m-1"))
}
