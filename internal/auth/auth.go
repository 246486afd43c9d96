package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

const keyPrefixLen = 8

// unauthorizedError covers failed logins and invalid credentials. No detail
// is carried so nothing can leak to clients.
type unauthorizedError struct{}

func (unauthorizedError) Error() string { return "unauthorized" }

// ErrUnauthorized is the uniform credential failure.
var ErrUnauthorized = unauthorizedError{}

// IsUnauthorized reports whether err is a credential failure (return 401).
func IsUnauthorized(err error) bool {
	_, ok := err.(unauthorizedError)
	return ok
}

// KeyStore is the slice of the state store the auth subsystem owns.
type KeyStore interface {
	SaveAPIKey(ctx context.Context, hash string, info types.APIKeyInfo) error
	GetAPIKey(ctx context.Context, hash string) (types.APIKeyInfo, bool, error)
	ListAPIKeys(ctx context.Context) ([]types.APIKeyInfo, error)
	DeleteAPIKey(ctx context.Context, hash string) (bool, error)
	FindAPIKeyByPrefix(ctx context.Context, prefix string) (string, bool, error)
	TouchAPIKey(ctx context.Context, hash string)
}

// Authenticator implements password login, signed sessions and API keys.
type Authenticator struct {
	username     string
	passwordHash string
	secret       []byte
	ttl          time.Duration
	keys         KeyStore
	log          zerolog.Logger
}

// New builds an Authenticator. sessionTimeoutHours bounds session lifetime.
func New(username, passwordHash, jwtSecret string, sessionTimeoutHours int, keys KeyStore, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		username:     username,
		passwordHash: passwordHash,
		secret:       []byte(jwtSecret),
		ttl:          time.Duration(sessionTimeoutHours) * time.Hour,
		keys:         keys,
		log:          log.With().Str("component", "auth").Logger(),
	}
}

// Login validates the credentials and issues a signed session token.
func (a *Authenticator) Login(username, password string) (types.TokenResponse, error) {
	if username != a.username || !VerifyPassword(password, a.passwordHash) {
		return types.TokenResponse{}, ErrUnauthorized
	}
	expires := time.Now().Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return types.TokenResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return types.TokenResponse{Token: signed, ExpiresAt: expires.UnixMilli()}, nil
}

// VerifySession checks a bearer token and returns its subject. Expired or
// tampered tokens fail uniformly.
func (a *Authenticator) VerifySession(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// MintKey creates a new API key. The full key appears only in the returned
// value; the store keeps its keyed hash and display prefix.
func (a *Authenticator) MintKey(ctx context.Context, name, description string) (types.APIKeyCreated, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return types.APIKeyCreated{}, fmt.Errorf("key material: %w", err)
	}
	full := "sk_" + base64.RawURLEncoding.EncodeToString(raw)
	prefix := full[:keyPrefixLen]
	info := types.APIKeyInfo{
		Name:        name,
		Prefix:      prefix,
		Description: description,
		Active:      true,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := a.keys.SaveAPIKey(ctx, a.hashKey(full), info); err != nil {
		return types.APIKeyCreated{}, err
	}
	a.log.Info().Str("name", name).Str("prefix", prefix).Msg("api key created")
	return types.APIKeyCreated{APIKey: full, Name: name, Prefix: prefix}, nil
}

// VerifyKey checks a presented API key. Valid uses update last_used_at
// asynchronously.
func (a *Authenticator) VerifyKey(ctx context.Context, presented string) bool {
	if presented == "" {
		return false
	}
	hash := a.hashKey(presented)
	info, ok, err := a.keys.GetAPIKey(ctx, hash)
	if err != nil {
		a.log.Warn().Err(err).Msg("api key lookup failed")
		return false
	}
	if !ok || !info.Active {
		return false
	}
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.keys.TouchAPIKey(touchCtx, hash)
	}()
	return true
}

// ListKeys returns key metadata for display.
func (a *Authenticator) ListKeys(ctx context.Context) ([]types.APIKeyInfo, error) {
	return a.keys.ListAPIKeys(ctx)
}

// DeleteKey revokes a key identified by its full value or its stored
// prefix.
func (a *Authenticator) DeleteKey(ctx context.Context, keyOrPrefix string) (bool, error) {
	if len(keyOrPrefix) > keyPrefixLen {
		return a.keys.DeleteAPIKey(ctx, a.hashKey(keyOrPrefix))
	}
	hash, ok, err := a.keys.FindAPIKeyByPrefix(ctx, keyOrPrefix)
	if err != nil || !ok {
		return false, err
	}
	return a.keys.DeleteAPIKey(ctx, hash)
}

// hashKey derives the storage handle of a key: HMAC-SHA256 under the server
// secret, so leaked store contents cannot be replayed as bearer keys.
func (a *Authenticator) hashKey(full string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(full))
	return hex.EncodeToString(mac.Sum(nil))
}
