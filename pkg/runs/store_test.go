package runs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/meetpipe/pkg/db"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

func TestMemoryStore_InsertAssigns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r := &Run{OrgID: "org", ArtifactID: "a", Stage: StageIngest, Status: StatusQueued}
	require.NoError(t, s.Insert(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Equal(t, 1, r.Attempt)

	dup := &Run{ID: r.ID, ArtifactID: "a", Stage: StageIngest}
	assert.True(t, mperrors.IsAlreadyExists(s.Insert(ctx, dup)))

	assert.True(t, mperrors.IsValidation(s.Insert(ctx, &Run{Stage: StageIngest})))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := &Run{ArtifactID: "a", Stage: StageIngest, Status: StatusQueued, Metadata: map[string]any{"k": "v"}}
	require.NoError(t, s.Insert(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Metadata["k"] = "changed"
	got.Status = StatusFailed

	again, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.Equal(t, StatusQueued, again.Status)
}

func TestMemoryStore_UpdateRefusesTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := &Run{ArtifactID: "a", Stage: StageIngest, Status: StatusQueued}
	require.NoError(t, s.Insert(ctx, r))

	r.Status = StatusFailed
	r.Error = "boom"
	require.NoError(t, s.Update(ctx, r))

	r.Status = StatusRunning
	assert.True(t, mperrors.IsInvalidState(s.Update(ctx, r)))
	assert.True(t, mperrors.IsNotFound(s.Update(ctx, &Run{ID: "missing"})))
	_, err := s.Get(ctx, "missing")
	assert.True(t, mperrors.IsNotFound(err))
}

func TestRun_Helpers(t *testing.T) {
	r := &Run{Status: StatusFailed, Error: "transcription failed: 500"}
	assert.Equal(t, "failed: transcription failed: 500", r.StatusLine())
	assert.False(t, r.Cancelled())
	assert.Zero(t, r.Duration())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, Subject{}.Empty())
}

// insertTiedAttempts stores attempt 2 before attempt 1 with one shared timestamp.
func insertTiedAttempts(t *testing.T, s Store, subject Subject) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	for _, attempt := range []int{2, 1} {
		require.NoError(t, s.Insert(ctx, &Run{
			OrgID:      "org",
			ArtifactID: subject.ArtifactID,
			Stage:      StageTranscribe,
			Status:     StatusQueued,
			Attempt:    attempt,
			CreatedAt:  at,
		}))
	}
}

func TestMemoryStore_LatestBreaksTiesByAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	subject := Subject{ArtifactID: "a"}
	insertTiedAttempts(t, s, subject)

	latest, err := s.Latest(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 2, latest[StageTranscribe].Attempt)

	list, err := s.List(ctx, Filter{ArtifactID: subject.ArtifactID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Attempt)
}

func TestPostgresStore_LatestBreaksTiesByAttempt(t *testing.T) {
	dsn := os.Getenv("MEETPIPE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MEETPIPE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, &db.Config{URL: dsn})
	require.NoError(t, err)
	defer pool.Close()
	_, err = db.RunMigrations(ctx, pool, db.SchemaFS())
	require.NoError(t, err)

	s := NewPostgresStore(pool, logging.NewNopLogger())
	subject := Subject{ArtifactID: uuid.NewString()}
	insertTiedAttempts(t, s, subject)

	latest, err := s.Latest(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 2, latest[StageTranscribe].Attempt)
}
