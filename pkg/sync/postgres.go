package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

const refColumns = `id::text, org_id, local_table, local_id, provider, kind, state,
	external_id, external_url, metadata, created_at, updated_at`

// PostgresLedger is the external_refs table.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresLedger creates a ledger over pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger logging.Logger) *PostgresLedger {
	return &PostgresLedger{
		pool:   pool,
		logger: logger.With(logging.F("component", "external_refs_repository")),
	}
}

func scanRef(row pgx.Row) (*ExternalRef, error) {
	var r ExternalRef
	var state string
	var metadataJSON []byte
	if err := row.Scan(&r.ID, &r.OrgID, &r.LocalTable, &r.LocalID, &r.Provider, &r.Kind, &state,
		&r.ExternalID, &r.ExternalURL, &metadataJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.State = RefState(state)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode ref metadata: %w", err)
		}
	}
	return &r, nil
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		md = map[string]any{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ref metadata: %w", err)
	}
	return b, nil
}

func (l *PostgresLedger) Claim(ctx context.Context, ref *ExternalRef) (*ExternalRef, bool, error) {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	metadataJSON, err := marshalMetadata(ref.Metadata)
	if err != nil {
		return nil, false, err
	}

	err = l.pool.QueryRow(ctx, `
		INSERT INTO external_refs (id, org_id, local_table, local_id, provider, kind, state, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, NOW(), NOW())
		ON CONFLICT (local_table, local_id, provider, kind) DO NOTHING
		RETURNING created_at, updated_at
	`, ref.ID, ref.OrgID, ref.LocalTable, ref.LocalID, ref.Provider, ref.Kind, metadataJSON,
	).Scan(&ref.CreatedAt, &ref.UpdatedAt)

	// Handle ON CONFLICT case - someone already holds the key
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := l.Find(ctx, ref.Key())
		if err != nil {
			l.logger.Error("Failed to query existing ref after conflict",
				logging.Err(err),
				logging.F("key", ref.Key().String()))
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		l.logger.Error("Failed to claim external ref",
			logging.Err(err),
			logging.F("key", ref.Key().String()))
		return nil, false, fmt.Errorf("failed to claim external ref: %w", err)
	}

	ref.State = StatePending
	l.logger.Debug("External ref claimed",
		logging.F("ref_id", ref.ID),
		logging.F("key", ref.Key().String()))
	return nil, true, nil
}

func (l *PostgresLedger) Reclaim(ctx context.Context, ref *ExternalRef) (bool, error) {
	var updated time.Time
	err := l.pool.QueryRow(ctx, `
		UPDATE external_refs SET updated_at = NOW()
		WHERE local_table = $1 AND local_id = $2 AND provider = $3 AND kind = $4
		  AND state = 'pending' AND updated_at = $5
		RETURNING updated_at
	`, ref.LocalTable, ref.LocalID, ref.Provider, ref.Kind, ref.UpdatedAt).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reclaim external ref: %w", err)
	}
	ref.UpdatedAt = updated
	return true, nil
}

func (l *PostgresLedger) Complete(ctx context.Context, ref *ExternalRef) error {
	if ref.ExternalID == "" {
		return fmt.Errorf("%w: complete needs an external id", mperrors.ErrValidation)
	}
	metadataJSON, err := marshalMetadata(ref.Metadata)
	if err != nil {
		return err
	}
	err = l.pool.QueryRow(ctx, `
		UPDATE external_refs
		SET state = 'complete', external_id = $5, external_url = $6, metadata = $7, updated_at = NOW()
		WHERE local_table = $1 AND local_id = $2 AND provider = $3 AND kind = $4
		RETURNING updated_at
	`, ref.LocalTable, ref.LocalID, ref.Provider, ref.Kind, ref.ExternalID, ref.ExternalURL, metadataJSON,
	).Scan(&ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mperrors.NotFound("external ref", ref.Key().String())
	}
	if err != nil {
		l.logger.Error("Failed to complete external ref",
			logging.Err(err),
			logging.F("key", ref.Key().String()))
		return fmt.Errorf("failed to complete external ref: %w", err)
	}
	ref.State = StateComplete
	return nil
}

func (l *PostgresLedger) Release(ctx context.Context, ref *ExternalRef) error {
	_, err := l.pool.Exec(ctx, `DELETE FROM external_refs WHERE id = $1::uuid AND state = 'pending'`, ref.ID)
	if err != nil {
		return fmt.Errorf("failed to release external ref: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Find(ctx context.Context, key RefKey) (*ExternalRef, error) {
	ref, err := scanRef(l.pool.QueryRow(ctx, `
		SELECT `+refColumns+` FROM external_refs
		WHERE local_table = $1 AND local_id = $2 AND provider = $3 AND kind = $4
	`, key.LocalTable, key.LocalID, key.Provider, key.Kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mperrors.NotFound("external ref", key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get external ref: %w", err)
	}
	return ref, nil
}

func (l *PostgresLedger) UpdateMetadata(ctx context.Context, ref *ExternalRef) error {
	metadataJSON, err := marshalMetadata(ref.Metadata)
	if err != nil {
		return err
	}
	err = l.pool.QueryRow(ctx, `
		UPDATE external_refs
		SET metadata = $5, external_url = COALESCE(NULLIF($6, ''), external_url), updated_at = NOW()
		WHERE local_table = $1 AND local_id = $2 AND provider = $3 AND kind = $4
		RETURNING updated_at
	`, ref.LocalTable, ref.LocalID, ref.Provider, ref.Kind, metadataJSON, ref.ExternalURL,
	).Scan(&ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mperrors.NotFound("external ref", ref.Key().String())
	}
	if err != nil {
		return fmt.Errorf("failed to update external ref: %w", err)
	}
	return nil
}

func (l *PostgresLedger) List(ctx context.Context, orgID, localTable, localID string) ([]*ExternalRef, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+refColumns+` FROM external_refs
		WHERE ($1 = '' OR org_id = $1)
		  AND ($2 = '' OR local_table = $2)
		  AND ($3 = '' OR local_id = $3)
		ORDER BY created_at, local_table, local_id, kind
	`, orgID, localTable, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to list external refs: %w", err)
	}
	defer rows.Close()

	out := []*ExternalRef{}
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan external ref: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
