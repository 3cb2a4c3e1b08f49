package registry

import (
	"context"
	"time"

	"github.com/roostlabs/roost/pkg/token"
	"github.com/roostlabs/roost/pkg/types"
)

// EnrollmentGrant is the one-time answer to creating an enrollment
// token; the secret is only shown here.
type EnrollmentGrant struct {
	TokenID string
	Secret  string
}

// CreateEnrollmentToken mints a scoped registration token for an alias.
// uses bounds how many registrations may consume it.
func (r *Registry) CreateEnrollmentToken(ctx context.Context, alias string, ttl time.Duration, uses int) (*EnrollmentGrant, error) {
	if len(alias) < 1 || len(alias) > 200 {
		return nil, ErrInvalidAlias
	}
	if uses <= 0 {
		uses = 1
	}

	secret, err := token.NewSecret()
	if err != nil {
		return nil, err
	}

	t := &types.EnrollmentToken{
		TokenID:     token.Fingerprint(secret),
		TokenHash:   token.Hash(secret),
		Alias:       alias,
		ExpiresAt:   time.Now().UTC().Add(ttl),
		UsesAllowed: uses,
		Status:      types.EnrollmentActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.CreateEnrollmentToken(ctx, t); err != nil {
		return nil, err
	}

	r.logger.Info().Str("token_id", t.TokenID).Str("alias", alias).Msg("Enrollment token created")
	return &EnrollmentGrant{TokenID: t.TokenID, Secret: secret}, nil
}

// ResolveEnrollmentToken authenticates an enrollment secret and returns
// the matching token row when it is still active and unexpired.
func (r *Registry) ResolveEnrollmentToken(ctx context.Context, secret string) (*types.EnrollmentToken, error) {
	t, err := r.store.GetEnrollmentToken(ctx, token.Fingerprint(secret))
	if err != nil {
		return nil, err
	}
	if !token.Verify(secret, t.TokenHash) {
		return nil, ErrInvalidEnrollment
	}
	if t.Status != types.EnrollmentActive || time.Now().UTC().After(t.ExpiresAt) {
		return nil, ErrInvalidEnrollment
	}
	return t, nil
}
