package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

// PostgresDirectory is the external_users and user_aliases tables.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresDirectory creates a directory over pool.
func NewPostgresDirectory(pool *pgxpool.Pool, logger logging.Logger) *PostgresDirectory {
	return &PostgresDirectory{
		pool:   pool,
		logger: logger.With(logging.F("component", "directory_repository")),
	}
}

func (d *PostgresDirectory) Users(ctx context.Context, orgID, provider string) ([]DirectoryUser, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT external_id, name, email, updated_at FROM external_users
		WHERE org_id = $1 AND provider = $2
		ORDER BY name, external_id
	`, orgID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByPos[DirectoryUser])
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory users: %w", err)
	}
	return users, nil
}

// ReplaceUsers swaps the stored directory for users in one transaction.
func (d *PostgresDirectory) ReplaceUsers(ctx context.Context, orgID, provider string, users []DirectoryUser) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM external_users WHERE org_id = $1 AND provider = $2`, orgID, provider); err != nil {
		return fmt.Errorf("failed to clear directory users: %w", err)
	}
	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(`
			INSERT INTO external_users (org_id, provider, external_id, name, email, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (org_id, provider, external_id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
		`, orgID, provider, u.ExternalID, u.Name, u.Email)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		d.logger.Error("Failed to store directory users",
			logging.Err(err),
			logging.F("provider", provider),
			logging.F("count", len(users)))
		return fmt.Errorf("failed to store directory users: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit directory users: %w", err)
	}
	d.logger.Info("Directory users replaced",
		logging.F("org_id", orgID),
		logging.F("provider", provider),
		logging.F("count", len(users)))
	return nil
}

func (d *PostgresDirectory) Aliases(ctx context.Context, orgID, provider string) (map[string]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT alias, external_user_id FROM user_aliases WHERE org_id = $1 AND provider = $2
	`, orgID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var alias, id string
		if err := rows.Scan(&alias, &id); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		out[alias] = id
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) SetAlias(ctx context.Context, orgID, provider, alias, externalUserID string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO user_aliases (org_id, provider, alias, external_user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, provider, alias) DO UPDATE SET external_user_id = EXCLUDED.external_user_id
	`, orgID, provider, FoldKey(alias), externalUserID)
	if err != nil {
		return fmt.Errorf("failed to set alias: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) DeleteAlias(ctx context.Context, orgID, provider, alias string) error {
	tag, err := d.pool.Exec(ctx, `
		DELETE FROM user_aliases WHERE org_id = $1 AND provider = $2 AND alias = $3
	`, orgID, provider, FoldKey(alias))
	if err != nil {
		return fmt.Errorf("failed to delete alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mperrors.NotFound("alias", alias)
	}
	return nil
}

// PostgresIntegrations is the integrations table.
type PostgresIntegrations struct {
	pool *pgxpool.Pool
}

// NewPostgresIntegrations creates an integration store over pool.
func NewPostgresIntegrations(pool *pgxpool.Pool) *PostgresIntegrations {
	return &PostgresIntegrations{pool: pool}
}

const integrationColumns = `id::text, org_id, provider, enabled, settings, created_at, updated_at`

func scanIntegration(row pgx.Row) (*Integration, error) {
	var in Integration
	var settingsJSON []byte
	if err := row.Scan(&in.ID, &in.OrgID, &in.Provider, &in.Enabled, &settingsJSON, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &in.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode integration settings: %w", err)
		}
	}
	return &in, nil
}

func (p *PostgresIntegrations) Get(ctx context.Context, orgID, provider string) (*Integration, error) {
	in, err := scanIntegration(p.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE org_id = $1 AND provider = $2`, orgID, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mperrors.NotFound("integration", dirKey(orgID, provider))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return in, nil
}

func (p *PostgresIntegrations) Upsert(ctx context.Context, in *Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	settingsJSON, err := marshalMetadata(in.Settings)
	if err != nil {
		return err
	}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO integrations (id, org_id, provider, enabled, settings)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, provider) DO UPDATE
		SET enabled = EXCLUDED.enabled, settings = EXCLUDED.settings, updated_at = NOW()
		RETURNING id::text, created_at, updated_at
	`, in.ID, in.OrgID, in.Provider, in.Enabled, settingsJSON).Scan(&in.ID, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}
	return nil
}

func (p *PostgresIntegrations) List(ctx context.Context, orgID string) ([]*Integration, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE org_id = $1 ORDER BY provider`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	out := []*Integration{}
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
