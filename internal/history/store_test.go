package history_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safe-chain/safe-chain/internal/history"
)

func TestStore_AppendAndRecent(t *testing.T) {
	s, err := history.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	run1, err := s.Append(history.Run{
		StartedAt:    base,
		Ecosystem:    "js",
		ChildCommand: "npm install lodash",
		AuditTotal:   1,
		AuditSafe:    1,
		ExitCode:     0,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run1.ID)

	_, err = s.Append(history.Run{
		StartedAt:             base.Add(time.Hour),
		Ecosystem:             "js",
		ChildCommand:          "npm install evil-lib",
		AuditTotal:            1,
		AuditMalware:          1,
		BlockedCount:          1,
		HasSuppressedVersions: true,
		ExitCode:              1,
	})
	require.NoError(t, err)

	recent, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	// Newest first.
	assert.Equal(t, "npm install evil-lib", recent[0].ChildCommand)
	assert.Equal(t, 1, recent[0].BlockedCount)
	assert.True(t, recent[0].HasSuppressedVersions)
	assert.Equal(t, "npm install lodash", recent[1].ChildCommand)
}

func TestStore_RecentRespectsLimit(t *testing.T) {
	s, err := history.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Append(history.Run{
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			Ecosystem:    "js",
			ChildCommand: "npm install x",
		})
		require.NoError(t, err)
	}

	recent, err := s.Recent(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
