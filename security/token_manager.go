package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fairway-cloud/integration"
	"fairway-cloud/logging"
	"fairway-cloud/metrics"
	"fairway-cloud/provider"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/calendar/v3"
)

// CalendarScopes lets the platform read the coach's events and manage the
// ones it creates.
var CalendarScopes = []string{
	calendar.CalendarReadonlyScope,
	calendar.CalendarEventsScope,
}

const (
	// refreshSkew is how close to expiry an access token is still handed out.
	refreshSkew    = 5 * time.Minute
	refreshTimeout = 15 * time.Second
)

// IntegrationStore is the part of integration.Store the token manager needs.
type IntegrationStore interface {
	Get(ctx context.Context, coachID string) (*integration.Integration, error)
	SetRefreshToken(ctx context.Context, coachID, refreshToken string) error
	Disable(ctx context.Context, coachID, reason string) error
}

// NewOAuthConfig builds the Google consent configuration.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       CalendarScopes,
		Endpoint:     google.Endpoint,
	}
}

// TokenManager exchanges consent codes and hands out fresh access tokens.
type TokenManager struct {
	oauth        *oauth2.Config
	tokens       *TokenStore
	integrations IntegrationStore
	refreshes    singleflight.Group
}

func NewTokenManager(oauth *oauth2.Config, tokens *TokenStore, integrations IntegrationStore) *TokenManager {
	return &TokenManager{oauth: oauth, tokens: tokens, integrations: integrations}
}

// AuthCodeURL starts the consent flow for coachID.
func (m *TokenManager) AuthCodeURL(ctx context.Context, coachID string) (string, error) {
	state, err := m.tokens.NewState(ctx, coachID)
	if err != nil {
		return "", err
	}
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// ExchangeCode redeems a one-time consent code. It returns the coach the
// state was issued to and the granted tokens.
func (m *TokenManager) ExchangeCode(ctx context.Context, state, code string) (string, *oauth2.Token, error) {
	coachID, err := m.tokens.ConsumeState(ctx, state)
	if err != nil {
		return "", nil, err
	}

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		if isInvalidGrant(err) {
			return coachID, nil, &AuthError{CoachID: coachID, Reason: ErrInvalidGrant, Err: err}
		}
		return coachID, nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}
	if tok.RefreshToken == "" {
		return coachID, nil, &AuthError{CoachID: coachID, Reason: ErrInvalidGrant, Err: errors.New("no refresh token granted")}
	}

	if err := m.tokens.CacheAccessToken(ctx, coachID, tok, refreshSkew); err != nil {
		logging.Warn().Err(err).Str("coach_id", coachID).Msg("failed to cache access token")
	}
	return coachID, tok, nil
}

// WithFreshAccessToken calls fn with a credential whose access token is valid
// for at least a few minutes. If the provider rejects the token, it is
// refreshed once and fn is retried.
func (m *TokenManager) WithFreshAccessToken(ctx context.Context, coachID string, fn func(ctx context.Context, cred provider.Credential) error) error {
	in, err := m.integrations.Get(ctx, coachID)
	if errors.Is(err, integration.ErrNotFound) {
		return &AuthError{CoachID: coachID, Reason: ErrNotConnected}
	}
	if err != nil {
		return err
	}
	if !in.Enabled {
		if in.DisabledReason == integration.ReasonRevoked {
			return &AuthError{CoachID: coachID, Reason: ErrRevoked}
		}
		return &AuthError{CoachID: coachID, Reason: ErrNotConnected}
	}

	tok, err := m.accessToken(ctx, in, false)
	if err != nil {
		return err
	}
	err = fn(ctx, credential(in, tok))
	if !errors.Is(err, provider.ErrUnauthorized) {
		return err
	}

	logging.Info().Str("coach_id", coachID).Msg("access token rejected, refreshing")
	tok, err = m.accessToken(ctx, in, true)
	if err != nil {
		return err
	}
	return fn(ctx, credential(in, tok))
}

// Forget drops any cached access token for coachID.
func (m *TokenManager) Forget(ctx context.Context, coachID string) error {
	return m.tokens.ForgetAccessToken(ctx, coachID)
}

func credential(in *integration.Integration, tok *oauth2.Token) provider.Credential {
	return provider.Credential{
		CoachID:    in.CoachID,
		CalendarID: in.CalendarID,
		Token:      &oauth2.Token{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Expiry: tok.Expiry},
	}
}

func (m *TokenManager) accessToken(ctx context.Context, in *integration.Integration, force bool) (*oauth2.Token, error) {
	if !force {
		cached, err := m.tokens.CachedAccessToken(ctx, in.CoachID)
		if err != nil {
			logging.Warn().Err(err).Str("coach_id", in.CoachID).Msg("access token cache unavailable")
		}
		if cached != nil && time.Until(cached.Expiry) > refreshSkew {
			return cached, nil
		}
	}

	// A forced refresh must not join a flight that may answer from the cache
	// with the token the provider just rejected.
	key := in.CoachID
	if force {
		key += ":force"
	}
	v, err, _ := m.refreshes.Do(key, func() (interface{}, error) {
		if !force {
			// Another caller may have refreshed while we waited.
			if cached, _ := m.tokens.CachedAccessToken(ctx, in.CoachID); cached != nil && time.Until(cached.Expiry) > refreshSkew {
				return cached, nil
			}
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (m *TokenManager) refresh(ctx context.Context, in *integration.Integration) (*oauth2.Token, error) {
	if in.RefreshToken == "" {
		return nil, &AuthError{CoachID: in.CoachID, Reason: ErrNotConnected}
	}

	stale := &oauth2.Token{RefreshToken: in.RefreshToken, Expiry: time.Now().Add(-time.Minute)}
	tok, err := m.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		if isInvalidGrant(err) {
			metrics.TokenRefreshes.WithLabelValues("revoked").Inc()
			logging.Warn().Str("coach_id", in.CoachID).Msg("refresh token revoked, disabling calendar integration")
			if disableErr := m.integrations.Disable(ctx, in.CoachID, integration.ReasonRevoked); disableErr != nil {
				logging.Error().Err(disableErr).Str("coach_id", in.CoachID).Msg("failed to disable revoked integration")
			}
			_ = m.tokens.ForgetAccessToken(ctx, in.CoachID)
			return nil, &AuthError{CoachID: in.CoachID, Reason: ErrRevoked, Err: err}
		}
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, refreshFailure(err)
	}
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()

	if tok.RefreshToken != "" && tok.RefreshToken != in.RefreshToken {
		if err := m.integrations.SetRefreshToken(ctx, in.CoachID, tok.RefreshToken); err != nil {
			logging.Error().Err(err).Str("coach_id", in.CoachID).Msg("failed to persist rotated refresh token")
		}
	}
	if err := m.tokens.CacheAccessToken(ctx, in.CoachID, tok, refreshSkew); err != nil {
		logging.Warn().Err(err).Str("coach_id", in.CoachID).Msg("failed to cache access token")
	}
	return tok, nil
}

func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant"
}

// refreshFailure marks token endpoint outages as transient so callers treat
// them like any other provider outage.
func refreshFailure(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < http.StatusInternalServerError {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	return &provider.Error{Op: "token.refresh", Kind: provider.ErrTransient, Err: err}
}
