package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

const runColumns = `
	id::text, org_id, COALESCE(meeting_id::text, ''), COALESCE(artifact_id::text, ''),
	stage, status, attempt, error, metadata, created_at, started_at, finished_at`

// PostgresStore is the processing_runs table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore creates a run store over pool.
func NewPostgresStore(pool *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With(logging.F("component", "runs_repository")),
	}
}

func (s *PostgresStore) Insert(ctx context.Context, run *Run) error {
	if run.Subject().Empty() {
		return fmt.Errorf("%w: run needs a meeting or artifact", mperrors.ErrValidation)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	metadataJSON, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO processing_runs (
			id, org_id, meeting_id, artifact_id, stage, status, attempt,
			error, metadata, created_at, started_at, finished_at
		) VALUES (
			$1, $2, $3::uuid, $4::uuid, $5, $6,
			CASE WHEN $7::int > 0 THEN $7::int ELSE COALESCE((
				SELECT MAX(attempt) FROM processing_runs
				WHERE stage = $5 AND (meeting_id = $3::uuid OR artifact_id = $4::uuid)
			), 0) + 1 END,
			$8, $9, COALESCE($10, NOW()), $11, $12
		)
		RETURNING attempt, created_at
	`
	err = s.pool.QueryRow(ctx, query,
		run.ID,
		run.OrgID,
		nullIfEmpty(run.MeetingID),
		nullIfEmpty(run.ArtifactID),
		string(run.Stage),
		string(run.Status),
		run.Attempt,
		run.Error,
		metadataJSON,
		nullTime(run),
		run.StartedAt,
		run.FinishedAt,
	).Scan(&run.Attempt, &run.CreatedAt)
	if err != nil {
		s.logger.Error("Failed to insert run",
			logging.Err(err),
			logging.F("stage", string(run.Stage)),
			logging.F("meeting_id", run.MeetingID),
			logging.F("artifact_id", run.ArtifactID))
		return fmt.Errorf("failed to insert run: %w", err)
	}

	s.logger.Debug("Run inserted",
		logging.F("run_id", run.ID),
		logging.F("stage", string(run.Stage)),
		logging.F("attempt", run.Attempt))
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, run *Run) error {
	metadataJSON, err := marshalMetadata(run.Metadata)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_runs
		SET status = $2, error = $3, metadata = $4, started_at = $5, finished_at = $6,
		    meeting_id = COALESCE($7::uuid, meeting_id)
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed')
	`, run.ID, string(run.Status), run.Error, metadataJSON, run.StartedAt, run.FinishedAt,
		nullIfEmpty(run.MeetingID))
	if err != nil {
		s.logger.Error("Failed to update run", logging.Err(err), logging.F("run_id", run.ID))
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.Get(ctx, run.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("run %s is %s: %w", run.ID, cur.Status, mperrors.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM processing_runs WHERE id = $1::uuid`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Run, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.OrgID != "" {
		add("org_id = $%d", filter.OrgID)
	}
	if filter.MeetingID != "" {
		add("meeting_id = $%d::uuid", filter.MeetingID)
	}
	if filter.ArtifactID != "" {
		add("artifact_id = $%d::uuid", filter.ArtifactID)
	}
	if filter.Stage != "" {
		add("stage = $%d", string(filter.Stage))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM processing_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, attempt DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *PostgresStore) Latest(ctx context.Context, subject Subject) (map[Stage]*Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (stage) `+runColumns+`
		FROM processing_runs
		WHERE meeting_id = $1::uuid OR artifact_id = $2::uuid
		ORDER BY stage, created_at DESC, attempt DESC
	`, nullIfEmpty(subject.MeetingID), nullIfEmpty(subject.ArtifactID))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}
	defer rows.Close()

	list, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[Stage]*Run, len(list))
	for _, r := range list {
		out[r.Stage] = r
	}
	return out, nil
}

func collectRuns(rows pgx.Rows) ([]*Run, error) {
	out := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var (
		r        Run
		stage    string
		status   string
		metadata []byte
	)
	err := row.Scan(&r.ID, &r.OrgID, &r.MeetingID, &r.ArtifactID, &stage, &status, &r.Attempt,
		&r.Error, &metadata, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	r.Stage = Stage(stage)
	r.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run metadata: %w", err)
		}
	}
	return &r, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run metadata: %w", err)
	}
	return b, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(r *Run) any {
	if r.CreatedAt.IsZero() {
		return nil
	}
	return r.CreatedAt
}
