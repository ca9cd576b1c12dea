package db

import (
	"context"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"001_core.sql", "001_core"},
		{"001_core.SQL", "001_core"},
		{"001_core", "001_core"},
		{".sql", ".sql"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeVersion(tt.input))
		})
	}
}

func TestFindMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"003_c.sql":     {Data: []byte("SELECT 3;")},
		"001_a.sql":     {Data: []byte("SELECT 1;")},
		"002_b.SQL":     {Data: []byte("SELECT 2;")},
		"README.md":     {Data: []byte("docs")},
		"sub/004_d.sql": {Data: []byte("SELECT 4;")},
	}

	migrations, err := findMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, "001_a", migrations[0].Version)
	assert.Equal(t, "002_b", migrations[1].Version)
	assert.Equal(t, "002_b.SQL", migrations[1].Name)
	assert.Equal(t, "003_c", migrations[2].Version)
}

func TestEmbeddedSchema(t *testing.T) {
	migrations, err := findMigrations(SchemaFS())
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "001_core", migrations[0].Version)

	for _, m := range migrations {
		content, err := Schema.ReadFile("schema/" + m.Name)
		require.NoError(t, err)
		assert.NotEmpty(t, content)
	}
}

func TestBuildStatus(t *testing.T) {
	migrations := []Migration{
		{Version: "001_core", Name: "001_core.sql"},
		{Version: "002_runs", Name: "002_runs.sql"},
	}
	now := time.Now()
	applied := map[string]time.Time{
		"001_core":    now,
		"000_removed": now.Add(-time.Hour),
	}

	status := buildStatus(migrations, applied)
	require.Len(t, status.Applied, 1)
	assert.Equal(t, "001_core", status.Applied[0].Version)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, "002_runs", status.Pending[0].Version)
	assert.Nil(t, status.Pending[0].AppliedAt)
	require.Len(t, status.Drift, 1)
	assert.Equal(t, "000_removed.sql", status.Drift[0].Name)
}

func TestRunMigrations_NilPool(t *testing.T) {
	_, err := RunMigrations(context.Background(), nil, SchemaFS())
	assert.EqualError(t, err, "pool is nil")

	_, err = GetMigrationStatus(context.Background(), nil, SchemaFS())
	assert.EqualError(t, err, "pool is nil")
}

func TestRunMigrations_Integration(t *testing.T) {
	dsn := os.Getenv("MEETPIPE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MEETPIPE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, &Config{URL: dsn})
	require.NoError(t, err)
	defer pool.Close()

	_, err = RunMigrations(ctx, pool, SchemaFS())
	require.NoError(t, err)

	// Second run applies nothing.
	result, err := RunMigrations(ctx, pool, SchemaFS())
	require.NoError(t, err)
	assert.Empty(t, result.Applied)

	status, err := GetMigrationStatus(ctx, pool, SchemaFS())
	require.NoError(t, err)
	assert.Empty(t, status.Pending)
}
