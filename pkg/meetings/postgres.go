package meetings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/extraction"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

// PostgresStore keeps meetings and their content in Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore creates a meetings repository.
func NewPostgresStore(pool *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger.With(logging.F("component", "meetings_repository")),
	}
}

const artifactColumns = `id::text, org_id, COALESCE(meeting_id::text, ''), filename, location, checksum, kind, content_type, size_bytes, created_at`

func scanArtifact(row pgx.Row) (*Artifact, error) {
	var a Artifact
	var kind string
	if err := row.Scan(&a.ID, &a.OrgID, &a.MeetingID, &a.Filename, &a.Location, &a.Checksum,
		&kind, &a.ContentType, &a.SizeBytes, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = ArtifactKind(kind)
	return &a, nil
}

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *Artifact) (*Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO artifacts (id, org_id, filename, location, checksum, kind, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (org_id, checksum) DO NOTHING
		RETURNING created_at
	`, a.ID, a.OrgID, a.Filename, a.Location, a.Checksum, string(a.Kind), a.ContentType, a.SizeBytes,
	).Scan(&a.CreatedAt)

	// Handle ON CONFLICT case - return the artifact that already holds the checksum
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanArtifact(s.pool.QueryRow(ctx,
			`SELECT `+artifactColumns+` FROM artifacts WHERE org_id = $1 AND checksum = $2`, a.OrgID, a.Checksum))
		if err != nil {
			s.logger.Error("Failed to query existing artifact after conflict",
				logging.Err(err),
				logging.F("checksum", a.Checksum))
			return nil, fmt.Errorf("failed to query existing artifact: %w", err)
		}
		s.logger.Debug("Artifact already registered",
			logging.F("artifact_id", existing.ID),
			logging.F("checksum", a.Checksum))
		return existing, fmt.Errorf("artifact with checksum %s: %w", a.Checksum, mperrors.ErrAlreadyExists)
	}
	if err != nil {
		s.logger.Error("Failed to create artifact",
			logging.Err(err),
			logging.F("filename", a.Filename),
			logging.F("org_id", a.OrgID))
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	s.logger.Debug("Artifact created",
		logging.F("artifact_id", a.ID),
		logging.F("kind", string(a.Kind)))
	return a, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mperrors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) LinkArtifact(ctx context.Context, artifactID, meetingID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE artifacts SET meeting_id = $2::uuid WHERE id = $1::uuid`, artifactID, meetingID)
	if err != nil {
		return fmt.Errorf("failed to link artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mperrors.NotFound("artifact", artifactID)
	}
	return nil
}

const meetingColumns = `id::text, org_id, title, meeting_date, meeting_type, company, status, summary, language,
	duration_seconds, transcription_model, participants, created_at, updated_at`

func scanMeeting(row pgx.Row) (*Meeting, error) {
	var m Meeting
	if err := row.Scan(&m.ID, &m.OrgID, &m.Title, &m.Date, &m.Type, &m.Company, &m.Status, &m.Summary,
		&m.Language, &m.DurationSeconds, &m.TranscriptionModel, &m.Participants, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func participantsOrEmpty(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

func (s *PostgresStore) CreateMeeting(ctx context.Context, m *Meeting) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = MeetingPending
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO meetings (id, org_id, title, meeting_date, meeting_type, company, status, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, m.ID, m.OrgID, m.Title, m.Date, m.Type, m.Company, m.Status, participantsOrEmpty(m.Participants),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		s.logger.Error("Failed to create meeting", logging.Err(err), logging.F("org_id", m.OrgID))
		return fmt.Errorf("failed to create meeting: %w", err)
	}
	s.logger.Debug("Meeting created", logging.F("meeting_id", m.ID), logging.F("title", m.Title))
	return nil
}

func (s *PostgresStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	m, err := scanMeeting(s.pool.QueryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mperrors.NotFound("meeting", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMeeting(ctx context.Context, m *Meeting) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE meetings SET
			title = $2, meeting_date = $3, meeting_type = $4, company = $5, status = $6, summary = $7,
			language = $8, duration_seconds = $9, transcription_model = $10, participants = $11,
			updated_at = NOW()
		WHERE id = $1::uuid
		RETURNING updated_at
	`, m.ID, m.Title, m.Date, m.Type, m.Company, m.Status, m.Summary, m.Language, m.DurationSeconds,
		m.TranscriptionModel, participantsOrEmpty(m.Participants),
	).Scan(&m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mperrors.NotFound("meeting", m.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update meeting: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceSegments(ctx context.Context, meetingID string, segments []transcription.Segment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_segments WHERE meeting_id = $1::uuid`, meetingID); err != nil {
		return fmt.Errorf("failed to clear segments: %w", err)
	}
	mid, err := uuid.Parse(meetingID)
	if err != nil {
		return fmt.Errorf("%w: meeting id %q: %v", mperrors.ErrValidation, meetingID, err)
	}
	rows := make([][]any, len(segments))
	for i, seg := range segments {
		rows[i] = []any{mid, int32(i), seg.Start, seg.End, seg.Speaker, seg.Text, seg.Confidence}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"transcript_segments"},
		[]string{"meeting_id", "seq", "start_sec", "end_sec", "speaker", "text", "confidence"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("failed to copy segments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Debug("Transcript stored", logging.F("meeting_id", meetingID), logging.F("segments", len(segments)))
	return nil
}

func (s *PostgresStore) Segments(ctx context.Context, meetingID string) ([]transcription.Segment, error) {
	if _, err := s.GetMeeting(ctx, meetingID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT start_sec, end_sec, speaker, text, confidence
		FROM transcript_segments WHERE meeting_id = $1::uuid ORDER BY seq
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	out := []transcription.Segment{}
	for rows.Next() {
		var seg transcription.Segment
		if err := rows.Scan(&seg.Start, &seg.End, &seg.Speaker, &seg.Text, &seg.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveIntelligence(ctx context.Context, meetingID string, in *Intelligence) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var orgID string
	err = tx.QueryRow(ctx, `SELECT org_id FROM meetings WHERE id = $1::uuid FOR UPDATE`, meetingID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return mperrors.NotFound("meeting", meetingID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock meeting: %w", err)
	}

	// Row IDs are stable across re-extraction, so rows are upserted and
	// anything no longer extracted is removed.
	decisionIDs := make([]string, 0, len(in.Decisions))
	for _, d := range in.Decisions {
		decisionIDs = append(decisionIDs, d.ID)
		if _, err := tx.Exec(ctx, `
			INSERT INTO decisions (id, org_id, meeting_id, seq, text, rationale, confidence, source_quote, source_chunks)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				seq = EXCLUDED.seq, text = EXCLUDED.text, rationale = EXCLUDED.rationale,
				confidence = EXCLUDED.confidence, source_quote = EXCLUDED.source_quote,
				source_chunks = EXCLUDED.source_chunks
		`, d.ID, orgID, meetingID, d.Seq, d.Text, d.Rationale, d.Confidence, d.SourceQuote, d.SourceChunks); err != nil {
			return fmt.Errorf("failed to upsert decision: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM decisions WHERE meeting_id = $1::uuid AND NOT (id::text = ANY($2))`, meetingID, decisionIDs); err != nil {
		return fmt.Errorf("failed to prune decisions: %w", err)
	}

	itemIDs := make([]string, 0, len(in.ActionItems))
	for _, a := range in.ActionItems {
		itemIDs = append(itemIDs, a.ID)
		if _, err := tx.Exec(ctx, `
			INSERT INTO action_items (
				id, org_id, meeting_id, seq, title, description, owner_name, owner_email,
				due_date, priority, status, confidence, source_quote, source_chunks
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::date, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				seq = EXCLUDED.seq, title = EXCLUDED.title, description = EXCLUDED.description,
				owner_name = EXCLUDED.owner_name, owner_email = EXCLUDED.owner_email,
				due_date = EXCLUDED.due_date, priority = EXCLUDED.priority, status = EXCLUDED.status,
				confidence = EXCLUDED.confidence, source_quote = EXCLUDED.source_quote,
				source_chunks = EXCLUDED.source_chunks, updated_at = NOW()
		`, a.ID, orgID, meetingID, a.Seq, a.Title, a.Description, a.OwnerName, a.OwnerEmail,
			a.DueDate, a.Priority, a.Status, a.Confidence, a.SourceQuote, a.SourceChunks); err != nil {
			return fmt.Errorf("failed to upsert action item: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM action_items WHERE meeting_id = $1::uuid AND NOT (id::text = ANY($2))`, meetingID, itemIDs); err != nil {
		return fmt.Errorf("failed to prune action items: %w", err)
	}

	for _, name := range in.Tags {
		tagID, err := findOrCreate(ctx, tx,
			`INSERT INTO tags (id, org_id, name, normalized) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (org_id, normalized) DO NOTHING RETURNING id::text`,
			`SELECT id::text FROM tags WHERE org_id = $1 AND normalized = $2`,
			[]any{uuid.NewString(), orgID, name, extraction.NormalizeText(name)},
			[]any{orgID, extraction.NormalizeText(name)})
		if err != nil {
			return fmt.Errorf("failed to find or create tag %q: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO meeting_tags (meeting_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, meetingID, tagID); err != nil {
			return fmt.Errorf("failed to link tag: %w", err)
		}
	}

	for _, e := range in.Entities {
		norm := extraction.NormalizeText(e.Name)
		entityID, err := findOrCreate(ctx, tx,
			`INSERT INTO entities (id, org_id, kind, name, normalized_name) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (org_id, kind, normalized_name) DO NOTHING RETURNING id::text`,
			`SELECT id::text FROM entities WHERE org_id = $1 AND kind = $2 AND normalized_name = $3`,
			[]any{uuid.NewString(), orgID, e.Kind, e.Name, norm},
			[]any{orgID, e.Kind, norm})
		if err != nil {
			return fmt.Errorf("failed to find or create entity %q: %w", e.Name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO meeting_entities (meeting_id, entity_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, meetingID, entityID); err != nil {
			return fmt.Errorf("failed to link entity: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE meetings SET summary = $2, status = $3, updated_at = NOW() WHERE id = $1::uuid`,
		meetingID, in.Summary, MeetingCompleted); err != nil {
		return fmt.Errorf("failed to complete meeting: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Info("Intelligence stored",
		logging.F("meeting_id", meetingID),
		logging.F("decisions", len(in.Decisions)),
		logging.F("action_items", len(in.ActionItems)),
		logging.F("tags", len(in.Tags)),
		logging.F("entities", len(in.Entities)))
	return nil
}

// findOrCreate runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id and falls
// back to select when the row already existed.
func findOrCreate(ctx context.Context, tx pgx.Tx, insert, lookup string, insertArgs, lookupArgs []any) (string, error) {
	var id string
	err := tx.QueryRow(ctx, insert, insertArgs...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, lookup, lookupArgs...).Scan(&id)
	}
	return id, err
}

func (s *PostgresStore) Details(ctx context.Context, meetingID string) (*Details, error) {
	m, err := s.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	d := &Details{Meeting: m, Decisions: []Decision{}, ActionItems: []ActionItem{}, Tags: []string{}, Entities: []Entity{}}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, seq, text, rationale, confidence, source_quote, source_chunks
		FROM decisions WHERE meeting_id = $1::uuid ORDER BY seq
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	for rows.Next() {
		dec := Decision{MeetingID: meetingID}
		if err := rows.Scan(&dec.ID, &dec.Seq, &dec.Text, &dec.Rationale, &dec.Confidence, &dec.SourceQuote, &dec.SourceChunks); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Decisions = append(d.Decisions, dec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id::text, seq, title, description, owner_name, owner_email,
		       COALESCE(to_char(due_date, 'YYYY-MM-DD'), ''), priority, status, confidence,
		       source_quote, source_chunks
		FROM action_items WHERE meeting_id = $1::uuid ORDER BY seq
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action items: %w", err)
	}
	for rows.Next() {
		a := ActionItem{MeetingID: meetingID}
		if err := rows.Scan(&a.ID, &a.Seq, &a.Title, &a.Description, &a.OwnerName, &a.OwnerEmail,
			&a.DueDate, &a.Priority, &a.Status, &a.Confidence, &a.SourceQuote, &a.SourceChunks); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan action item: %w", err)
		}
		d.ActionItems = append(d.ActionItems, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tags, err := s.pool.Query(ctx, `
		SELECT t.name FROM meeting_tags mt JOIN tags t ON t.id = mt.tag_id
		WHERE mt.meeting_id = $1::uuid ORDER BY t.name
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	d.Tags, err = pgx.CollectRows(tags, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan tags: %w", err)
	}

	ents, err := s.pool.Query(ctx, `
		SELECT e.id::text, e.kind, e.name FROM meeting_entities me JOIN entities e ON e.id = me.entity_id
		WHERE me.meeting_id = $1::uuid ORDER BY e.kind, e.name
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	d.Entities, err = pgx.CollectRows(ents, func(row pgx.CollectableRow) (Entity, error) {
		var e Entity
		err := row.Scan(&e.ID, &e.Kind, &e.Name)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan entities: %w", err)
	}
	return d, nil
}
