package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_attendance.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestAttendanceMigrationKeepsInsertionOrder(t *testing.T) {
	sql, err := migrationsFS.ReadFile("migrations/001_attendance.sql")
	require.NoError(t, err)
	assert.Contains(t, string(sql), "seq               BIGSERIAL")
	assert.Contains(t, string(sql), "CREATE TABLE IF NOT EXISTS meeting_participants")
}
