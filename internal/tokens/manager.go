// Package tokens keeps each athlete's Strava access token usable, refreshing it when it has expired.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/athletes"
	"github.com/MarcoPoloResearchLab/stridetally/internal/metrics"
	"github.com/MarcoPoloResearchLab/stridetally/internal/strava"
	"go.uber.org/zap"
)

// ErrMissingCredentials indicates the athlete has no usable token pair; the athlete is skipped and never retried.
var ErrMissingCredentials = errors.New("tokens: missing credentials")

var (
	errMissingRefresher = errors.New("tokens: refresher is required")
	errMissingStore     = errors.New("tokens: credential store is required")
)

// RefreshError reports a failed refresh for one athlete. StatusCode is zero when no response was received.
type RefreshError struct {
	UserID     uint
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tokens: refresh for athlete %d failed with status %d: %v", e.UserID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("tokens: refresh for athlete %d failed: %v", e.UserID, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (strava.TokenResponse, error)
}

// CredentialStore persists a refreshed token triple.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, userID uint, credentials athletes.Credentials) error
}

// ManagerConfig describes the Manager dependencies.
type ManagerConfig struct {
	Refresher Refresher
	Store     CredentialStore
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Manager hands out valid access tokens.
type Manager struct {
	refresher Refresher
	store     CredentialStore
	now       func() time.Time
	logger    *zap.Logger
}

// NewManager validates the configuration and builds a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Refresher == nil {
		return nil, errMissingRefresher
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		refresher: cfg.Refresher,
		store:     cfg.Store,
		now:       clock,
		logger:    logger,
	}, nil
}

// EnsureValidToken returns an access token for user that is valid now.
// A token whose expiry is strictly in the future is returned without contacting Strava.
// Otherwise the token is refreshed and the new triple is persisted before it is returned.
func (m *Manager) EnsureValidToken(ctx context.Context, user athletes.User) (string, error) {
	if !user.HasCredentials() {
		return "", ErrMissingCredentials
	}
	if user.TokenValidAt(m.now()) {
		return user.AccessToken, nil
	}

	token, err := m.refresher.RefreshToken(ctx, user.RefreshToken)
	if err != nil {
		refreshErr := &RefreshError{UserID: user.ID, Err: err}
		var tokenErr *strava.TokenError
		if errors.As(err, &tokenErr) {
			refreshErr.StatusCode = tokenErr.StatusCode
		}
		metrics.RecordTokenRefresh("failed")
		m.logger.Warn("token refresh failed",
			zap.Uint("athlete_id", user.ID),
			zap.Int("status", refreshErr.StatusCode),
			zap.Error(err))
		return "", refreshErr
	}

	refreshToken := strings.TrimSpace(token.RefreshToken)
	if refreshToken == "" {
		refreshToken = user.RefreshToken
	}
	credentials := athletes.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    token.ExpiresAt,
	}
	if err := m.store.SaveCredentials(ctx, user.ID, credentials); err != nil {
		metrics.RecordTokenRefresh("persist_failed")
		return "", &RefreshError{UserID: user.ID, Err: fmt.Errorf("persist refreshed credentials: %w", err)}
	}

	metrics.RecordTokenRefresh("refreshed")
	m.logger.Info("access token refreshed",
		zap.Uint("athlete_id", user.ID),
		zap.Int64("expires_at", token.ExpiresAt))
	return token.AccessToken, nil
}
