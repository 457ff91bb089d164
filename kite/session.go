package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vnarwal17/zerodha/shared"
)

// tokenExpiry is the time of day issued access tokens expire at.
var tokenExpiry = shared.ClockTime{Hour: 6, Minute: 0}

// Session represents an authenticated brokerage session.
type Session struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	IssuedAt    time.Time `json:"timestamp"`
}

// ExpiresAt returns the time the session's access token stops being valid,
// the first 06:00 IST after issue.
func (s *Session) ExpiresAt() time.Time {
	issued := s.IssuedAt.In(shared.IndiaLocationOrFixed())
	expiry := tokenExpiry.On(issued)
	if !expiry.After(issued) {
		expiry = expiry.AddDate(0, 0, 1)
	}

	return expiry
}

// Valid checks whether the session can still be used at the provided time.
func (s *Session) Valid(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.ExpiresAt())
}

// StaticTokenSource returns a token source serving a fixed access token.
func StaticTokenSource(token string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if token == "" {
			return "", fmt.Errorf("no access token configured")
		}

		return token, nil
	}
}

// LoadSession reads the session stored at the provided path.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	result := gjson.ParseBytes(data)
	issued, err := time.Parse(time.RFC3339, result.Get("timestamp").String())
	if err != nil {
		return nil, fmt.Errorf("parsing session timestamp: %w", err)
	}

	return &Session{
		AccessToken: result.Get("access_token").String(),
		UserID:      result.Get("user_id").String(),
		IssuedAt:    issued,
	}, nil
}

// SaveSession stores the provided session at the provided path.
func SaveSession(path string, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}

	return nil
}

// FileTokenSource returns a token source reading the session stored at the
// provided path on every call. Expired sessions are rejected.
func FileTokenSource(path string, now func() time.Time) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		session, err := LoadSession(path)
		if err != nil {
			return "", err
		}

		if !session.Valid(now()) {
			return "", fmt.Errorf("session of %s expired at %s", session.UserID,
				session.ExpiresAt().Format(shared.DateTimeLayout))
		}

		return session.AccessToken, nil
	}
}

// Checksum returns the login checksum of the provided request token.
func Checksum(apiKey string, requestToken string, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

// LoginURL returns the url users authorize the app at.
func LoginURL(apiKey string) string {
	params := url.Values{}
	params.Set("v", apiVersion)
	params.Set("api_key", apiKey)

	return "https://kite.zerodha.com/connect/login?" + params.Encode()
}

// GenerateSession exchanges the request token of a completed login for a
// session and adopts its access token.
func (c *Client) GenerateSession(ctx context.Context, requestToken string, apiSecret string) (*Session, error) {
	const op = "generate session"

	form := url.Values{}
	form.Set("api_key", c.cfg.APIKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", Checksum(c.cfg.APIKey, requestToken, apiSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.formURL("/session/token", nil),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, shared.NewError(shared.InvalidInput, op, err)
	}

	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, shared.NewError(shared.TransientNetwork, op, err)
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shared.NewError(shared.TransientNetwork, op, fmt.Errorf("reading response body: %w", err))
	}

	result := gjson.ParseBytes(data)
	if resp.StatusCode >= http.StatusBadRequest || result.Get("status").String() == "error" {
		return nil, c.apiError(op, resp.StatusCode, result)
	}

	session := &Session{
		AccessToken: result.Get("data.access_token").String(),
		UserID:      result.Get("data.user_id").String(),
		IssuedAt:    c.cfg.Now(),
	}
	if session.AccessToken == "" {
		return nil, shared.Errorf(shared.AuthExpired, op, "no access token in response")
	}

	c.accessToken.Store(session.AccessToken)
	c.cfg.Logger.Info().Msgf("session generated for %s", session.UserID)

	return session, nil
}
