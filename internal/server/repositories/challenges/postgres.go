package challenges

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/dbx"
	"github.com/permamap/permamap/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Put(ctx context.Context, challenge *models.PendingChallenge) error {

	query :=
		`INSERT INTO challenges (key, kind, identity_id, session_json, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE
		 SET kind = EXCLUDED.kind,
		     identity_id = EXCLUDED.identity_id,
		     session_json = EXCLUDED.session_json,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at
		 `

	_, err := r.db.ExecContext(ctx, query,
		challenge.Key, challenge.Kind, challenge.IdentityID,
		challenge.SessionJSON, challenge.CreatedAt, challenge.ExpiresAt)

	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

// Take consumes the challenge in a single DELETE … RETURNING statement, so
// concurrent verification attempts cannot both receive it.
func (r *PostgresRepository) Take(ctx context.Context, key string) (*models.PendingChallenge, error) {
	query :=
		`DELETE FROM challenges
		 WHERE key = $1
		 RETURNING key, kind, identity_id, session_json, created_at, expires_at
		 `

	challenge := &models.PendingChallenge{}
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&challenge.Key, &challenge.Kind, &challenge.IdentityID,
		&challenge.SessionJSON, &challenge.CreatedAt, &challenge.ExpiresAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return challenge, nil
}
