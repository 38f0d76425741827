// Package credential tracks the OAuth token pair per (user, platform) and
// decides whether a token is usable, refreshable, or dead.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fanwatch/internal/models"
	"fanwatch/internal/platform"
	"fanwatch/internal/repository"
)

// ErrCredentialExpired means no usable access token exists and the single
// refresh attempt failed (or was impossible). The caller must not retry
// within the same tick; the user has to re-authorize.
var ErrCredentialExpired = errors.New("credential: expired")

// DefaultRefreshMargin is how close to expiry a token is treated as
// expired, so a token never dies mid-fetch.
const DefaultRefreshMargin = 5 * time.Minute

// Platforms whose adapters need no user credential at all.
var authless = map[string]bool{
	models.PlatformQQMusic: true,
}

type Manager struct {
	Repo     repository.Repository
	Adapters map[string]platform.Adapter
	Margin   time.Duration
	Logger   *zap.Logger

	now func() time.Time
}

func (m *Manager) margin() time.Duration {
	if m.Margin > 0 {
		return m.Margin
	}
	return DefaultRefreshMargin
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now().UTC()
}

// EnsureUsable returns an access token good for at least the refresh
// margin. At most one refresh call is made per invocation; a failed
// refresh marks the record unusable and returns ErrCredentialExpired.
func (m *Manager) EnsureUsable(ctx context.Context, userID, plat string) (string, error) {
	if authless[plat] {
		return "", nil
	}

	rec, err := m.Repo.GetCredential(ctx, userID, plat)
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("%w: no credential for user %s on %s", ErrCredentialExpired, userID, plat)
	}
	if err != nil {
		return "", fmt.Errorf("credential: load: %w", err)
	}
	if !rec.Usable {
		return "", fmt.Errorf("%w: marked unusable, re-authorization required", ErrCredentialExpired)
	}

	if rec.ExpiresAt.After(m.clock().Add(m.margin())) {
		return rec.AccessToken, nil
	}

	adapter, ok := m.Adapters[plat]
	if !ok {
		return "", fmt.Errorf("credential: no adapter for platform %s", plat)
	}

	token, err := adapter.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		if markErr := m.Repo.MarkCredentialUnusable(ctx, userID, plat); markErr != nil && m.Logger != nil {
			m.Logger.Warn("mark credential unusable failed",
				zap.String("user", userID),
				zap.String("platform", plat),
				zap.Error(markErr),
			)
		}
		return "", fmt.Errorf("%w: refresh failed: %v", ErrCredentialExpired, err)
	}

	rec.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		rec.RefreshToken = token.RefreshToken
	}
	rec.ExpiresAt = token.ExpiresAt
	if token.OpenID != "" {
		rec.PlatformUserID = token.OpenID
	}
	rec.Usable = true
	if err := m.Repo.SaveCredential(ctx, rec); err != nil {
		return "", fmt.Errorf("credential: persist refreshed token: %w", err)
	}

	if m.Logger != nil {
		m.Logger.Info("credential refreshed",
			zap.String("user", userID),
			zap.String("platform", plat),
			zap.Time("expires_at", rec.ExpiresAt),
		)
	}
	return rec.AccessToken, nil
}

// Store persists a credential acquired by the out-of-scope OAuth flow.
func (m *Manager) Store(ctx context.Context, rec *models.CredentialRecord) error {
	if rec == nil {
		return nil
	}
	rec.Usable = true
	return m.Repo.SaveCredential(ctx, rec)
}
