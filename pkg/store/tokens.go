package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roostlabs/roost/pkg/types"
)

// CreateEnrollmentToken persists a freshly minted enrollment token
func (s *Store) CreateEnrollmentToken(ctx context.Context, t *types.EnrollmentToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollment_tokens
			(token_id, token_hash, alias, expires_at, uses_allowed,
			 uses_consumed, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.TokenHash, t.Alias, ms(t.ExpiresAt), t.UsesAllowed,
		t.UsesConsumed, string(t.Status), ms(t.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert enrollment token: %w", err)
	}
	return nil
}

// GetEnrollmentToken retrieves a token by its fingerprint
func (s *Store) GetEnrollmentToken(ctx context.Context, tokenID string) (*types.EnrollmentToken, error) {
	var t types.EnrollmentToken
	var expiresAt, createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT token_id, token_hash, alias, expires_at, uses_allowed,
			uses_consumed, status, created_at
		 FROM enrollment_tokens WHERE token_id = ?`, tokenID).Scan(
		&t.TokenID, &t.TokenHash, &t.Alias, &expiresAt, &t.UsesAllowed,
		&t.UsesConsumed, &t.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get enrollment token: %w", err)
	}
	t.ExpiresAt = fromMS(expiresAt)
	t.CreatedAt = fromMS(createdAt)
	return &t, nil
}

// RevokeEnrollmentToken marks a token revoked
func (s *Store) RevokeEnrollmentToken(ctx context.Context, tokenID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollment_tokens SET status = 'revoked' WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("revoke enrollment token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// consumeEnrollmentToken atomically checks usability and consumes one use.
// Runs inside the registration transaction so a token is never over-consumed
// by concurrent registrations. The conditional UPDATE is the check: zero
// rows affected means the token is expired, revoked, or exhausted.
func consumeEnrollmentToken(ctx context.Context, tx *sql.Tx, tokenID string) error {
	now := ms(time.Now())
	res, err := tx.ExecContext(ctx,
		`UPDATE enrollment_tokens
		 SET uses_consumed = uses_consumed + 1,
			status = CASE WHEN uses_consumed + 1 >= uses_allowed THEN 'used' ELSE status END
		 WHERE token_id = ? AND status = 'active'
			AND expires_at > ? AND uses_consumed < uses_allowed`,
		tokenID, now)
	if err != nil {
		return fmt.Errorf("consume enrollment token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenExhausted
	}
	return nil
}
