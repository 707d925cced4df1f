package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/permamap/permamap/internal/common"
	"github.com/permamap/permamap/internal/dbx"
	"github.com/permamap/permamap/internal/server/models"
)

// foreign_key_violation
const pgFKViolation = "23503"

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Put(ctx context.Context, credential *models.Credential) error {

	query :=
		`INSERT INTO credentials (id, identity_id, public_key, sign_count, transports, attestation_type, flagged)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET identity_id = EXCLUDED.identity_id,
		     public_key = EXCLUDED.public_key,
		     sign_count = EXCLUDED.sign_count,
		     transports = EXCLUDED.transports,
		     attestation_type = EXCLUDED.attestation_type
		 `

	_, err := r.db.ExecContext(ctx, query,
		credential.ID, credential.IdentityID, credential.PublicKey,
		int64(credential.SignCount), strings.Join(credential.Transports, ","),
		credential.AttestationType, credential.Flagged)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgFKViolation {
			return common.ErrorIdentityNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetByCredentialID(ctx context.Context, id string) (*models.Credential, error) {
	query :=
		`SELECT id, identity_id, public_key, sign_count, transports, attestation_type, flagged, created_at, last_used_at
		 FROM credentials
		 WHERE id = $1
		 `

	credential, err := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return credential, nil
}

func (r *PostgresRepository) ListByIdentity(ctx context.Context, identityID string) ([]models.Credential, error) {
	query :=
		`SELECT id, identity_id, public_key, sign_count, transports, attestation_type, flagged, created_at, last_used_at
		 FROM credentials
		 WHERE identity_id = $1
		 ORDER BY created_at
		 `

	rows, err := r.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, *credential)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return result, nil
}

// UpdateCounter is a compare-and-swap: the row is only touched when the new
// counter is strictly greater, so two concurrent verifications cannot both
// persist the same counter.
func (r *PostgresRepository) UpdateCounter(ctx context.Context, credentialID string, newCounter uint32) error {
	query :=
		`UPDATE credentials
		 SET sign_count = $2, last_used_at = now()
		 WHERE id = $1 AND sign_count < $2
		 `

	res, err := r.db.ExecContext(ctx, query, credentialID, int64(newCounter))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: the credential is either missing or its stored
	// counter already caught up.
	if _, err := r.GetByCredentialID(ctx, credentialID); err != nil {
		return err
	}
	return common.ErrorCounterRegression
}

func (r *PostgresRepository) SetFlagged(ctx context.Context, credentialID string) error {
	query :=
		`UPDATE credentials SET flagged = true WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, credentialID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return common.ErrorNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	credential := &models.Credential{}
	var signCount int64
	var transports string
	var lastUsedAt sql.NullTime

	err := row.Scan(&credential.ID, &credential.IdentityID, &credential.PublicKey,
		&signCount, &transports, &credential.AttestationType,
		&credential.Flagged, &credential.CreatedAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}

	credential.SignCount = uint32(signCount)
	if transports != "" {
		credential.Transports = strings.Split(transports, ",")
	}
	if lastUsedAt.Valid {
		credential.LastUsedAt = &lastUsedAt.Time
	}

	return credential, nil
}
