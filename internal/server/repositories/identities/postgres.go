package identities

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

func (r *PostgresRepository) Create(ctx context.Context, identity *models.UserIdentity) (*models.UserIdentity, error) {

	query :=
		`INSERT INTO identities (id, username)
         VALUES ($1, $2)
		 RETURNING created_at
		 `

	err := r.db.QueryRowContext(ctx, query,
		identity.ID, identity.Username).Scan(&identity.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return identity, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.UserIdentity, error) {
	query :=
		`SELECT id, username, created_at FROM identities
		 WHERE id = $1
		 `

	identity := &models.UserIdentity{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&identity.ID, &identity.Username, &identity.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorIdentityNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return identity, nil
}
