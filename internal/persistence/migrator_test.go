package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationVersion(t *testing.T) {
	tests := []struct {
		name string
		want uint
		ok   bool
	}{
		{"000001_event_log.up.sql", 1, true},
		{"000012_projections.down.sql", 12, true},
		{"README.md", 0, false},
		{"v2_bad.up.sql", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := migrationVersion(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestPendingAfter(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_projections.up.sql",
		"000001_event_log.up.sql",
		"000001_event_log.down.sql",
		"000003_rewards.up.sql",
		"notes_up.sql.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}

	files, err := listMigrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_event_log.up.sql", "000002_projections.up.sql", "000003_rewards.up.sql"}, files)

	assert.Equal(t, files, pendingAfter(files, 0))
	assert.Equal(t, []string{"000003_rewards.up.sql"}, pendingAfter(files, 2))
	assert.Empty(t, pendingAfter(files, 3))
}

func TestListMigrationFiles_MissingDir(t *testing.T) {
	_, err := listMigrationFiles(filepath.Join(t.TempDir(), "nope"), ".up.sql")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
