// Package creds resolves valid delegated access tokens for principals,
// refreshing through the credential issuer when needed.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNoCredential is the single outcome for every way a usable token can be
// unobtainable: no refresh credential on file, a rejected candidate with
// nothing to fall back on, or any issuer/network fault during refresh.
var ErrNoCredential = errors.New("no valid credential available")

const requestTimeout = 15 * time.Second

type Config struct {
	TokenURL      string `mapstructure:"token_url"`
	IntrospectURL string `mapstructure:"introspect_url"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
}

type Gateway struct {
	store  Store
	config Config
	oauth  *oauth2.Config
	client *http.Client
	group  singleflight.Group
}

func NewGateway(store Store, config Config) *Gateway {
	return &Gateway{
		store:  store,
		config: config,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: config.TokenURL},
		},
		client: &http.Client{Timeout: requestTimeout},
	}
}

// ValidAccessToken returns a token usable against the resource-management API
// on behalf of the principal. A supplied candidate is validated first to avoid
// unnecessary refresh traffic; otherwise the principal's refresh credential is
// exchanged for a fresh token. Concurrent refreshes for the same principal are
// collapsed into a single issuer round-trip.
func (g *Gateway) ValidAccessToken(ctx context.Context, principalID, candidate string) (string, error) {
	if candidate != "" && !expiredJWT(candidate) {
		active, err := g.introspect(ctx, candidate)
		if err != nil {
			slog.Debug("Token introspection failed, falling back to refresh",
				"principal_id", principalID, "error", err)
		}
		if active {
			return candidate, nil
		}
	}

	token, err, _ := g.group.Do(principalID, func() (interface{}, error) {
		return g.refresh(ctx, principalID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (g *Gateway) refresh(ctx context.Context, principalID string) (string, error) {
	refreshToken, err := g.store.RefreshToken(ctx, principalID)
	if err != nil {
		slog.Error("Refresh credential lookup failed", "principal_id", principalID, "error", err)
		return "", ErrNoCredential
	}
	if refreshToken == "" {
		return "", ErrNoCredential
	}

	token, err := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		slog.Warn("Token refresh failed", "principal_id", principalID, "error", err)
		return "", ErrNoCredential
	}

	// The issuer may rotate the refresh credential; the new one must be on
	// disk before the access token is handed out, or a crash strands the
	// principal on a revoked credential.
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if err := g.store.SaveRefreshToken(ctx, principalID, token.RefreshToken); err != nil {
			slog.Error("Failed to persist rotated refresh credential",
				"principal_id", principalID, "error", err)
			return "", ErrNoCredential
		}
		slog.Debug("Refresh credential rotated", "principal_id", principalID)
	}

	return token.AccessToken, nil
}

// introspect asks the issuer whether the token is still active (RFC 7662).
func (g *Gateway) introspect(ctx context.Context, token string) (bool, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.IntrospectURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.config.ClientID, g.config.ClientSecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("introspection endpoint returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode introspection response: %w", err)
	}
	return out.Active, nil
}

// expiredJWT reports whether the candidate is a JWT whose exp claim has
// already passed. Such tokens are rejected locally without an introspection
// round-trip. Opaque (non-JWT) tokens return false and go to the issuer.
func expiredJWT(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
