package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

const stateTTL = 10 * time.Minute

// cachedToken is the access-token half of an oauth2.Token. Refresh tokens
// never go through this cache.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expiry      time.Time `json:"expiry"`
}

// TokenStore keeps short-lived OAuth material in Redis: consent states and
// cached access tokens.
type TokenStore struct {
	redisClient *redis.Client
}

func NewTokenStore(redisClient *redis.Client) *TokenStore {
	return &TokenStore{redisClient: redisClient}
}

func stateKey(state string) string         { return fmt.Sprintf("oauth_state:%s", state) }
func accessTokenKey(coachID string) string { return fmt.Sprintf("oauth_access:%s", coachID) }

// NewState stores a random CSRF state for coachID, valid for ten minutes.
func (ts *TokenStore) NewState(ctx context.Context, coachID string) (string, error) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	if err := ts.redisClient.Set(ctx, stateKey(state), coachID, stateTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return state, nil
}

// ConsumeState resolves and deletes a state. Each state works once.
func (ts *TokenStore) ConsumeState(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", ErrInvalidState
	}
	coachID, err := ts.redisClient.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("failed to verify state: %w", err)
	}
	return coachID, nil
}

// CacheAccessToken keeps tok until skew before it expires.
func (ts *TokenStore) CacheAccessToken(ctx context.Context, coachID string, tok *oauth2.Token, skew time.Duration) error {
	ttl := time.Until(tok.Expiry) - skew
	if tok.AccessToken == "" || tok.Expiry.IsZero() || ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(cachedToken{AccessToken: tok.AccessToken, TokenType: tok.TokenType, Expiry: tok.Expiry})
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}
	if err := ts.redisClient.Set(ctx, accessTokenKey(coachID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache access token: %w", err)
	}
	return nil
}

// CachedAccessToken returns nil when nothing usable is cached.
func (ts *TokenStore) CachedAccessToken(ctx context.Context, coachID string) (*oauth2.Token, error) {
	data, err := ts.redisClient.Get(ctx, accessTokenKey(coachID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached access token: %w", err)
	}
	var cached cachedToken
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, nil
	}
	return &oauth2.Token{AccessToken: cached.AccessToken, TokenType: cached.TokenType, Expiry: cached.Expiry}, nil
}

func (ts *TokenStore) ForgetAccessToken(ctx context.Context, coachID string) error {
	return ts.redisClient.Del(ctx, accessTokenKey(coachID)).Err()
}
