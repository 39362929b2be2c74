// Package venue implements the external brokerage interfaces: the push
// websocket channel, the pull REST channel, and the session that
// authenticates both.
package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/observability"
)

const component = "venue"

// Credentials authenticate against the venue's session endpoint.
type Credentials struct {
	Login    string
	Password string
}

// Session holds the venue auth token and renews it before expiry. Both the
// push and pull channels attach its token to every request.
type Session struct {
	baseURL string
	creds   Credentials
	client  *http.Client
	alarms  observability.AlarmSink

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewSession constructs an unauthenticated session. client may be nil.
func NewSession(baseURL string, creds Credentials, client *http.Client, alarms observability.AlarmSink) *Session {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Session{baseURL: baseURL, creds: creds, client: client, alarms: alarms}
}

type sessionRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string `json:"session-token"`
	ExpiresAt string `json:"expires-at"`
}

// Login exchanges credentials for a session token.
func (s *Session) Login(ctx context.Context) error {
	body, err := json.Marshal(sessionRequest{Login: s.creds.Login, Password: s.creds.Password})
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New(component, errs.CodeNetwork, errs.WithMessage("session login failed"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errs.New(component, errs.CodeAuth, errs.WithMessage("credentials rejected"))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("session endpoint returned %d", resp.StatusCode)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return errs.New(component, errs.CodeNetwork, errs.WithCause(err))
	}
	var sr sessionResponse
	if err := json.Unmarshal(payload, &sr); err != nil || sr.Token == "" {
		return errs.New(component, errs.CodeAuth, errs.WithMessage("unreadable session response"), errs.WithCause(err))
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	if sr.ExpiresAt != "" {
		if ts, err := time.Parse(time.RFC3339, sr.ExpiresAt); err == nil {
			expiresAt = ts
		}
	}

	s.mu.Lock()
	s.token = sr.Token
	s.expiresAt = expiresAt
	s.mu.Unlock()
	observability.Log().Info("venue session established", observability.F("expires_at", expiresAt))
	return nil
}

// Token returns the current session token, empty when not logged in.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authorize attaches the session token to an outgoing request.
func (s *Session) Authorize(req *http.Request) {
	if token := s.Token(); token != "" {
		req.Header.Set("Authorization", token)
	}
}

// KeepAlive re-validates the session on the given interval until the context
// ends. A failed renewal raises a session alarm and is retried on the next
// tick; the venue rejects requests in between with auth errors.
func (s *Session) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Login(ctx); err != nil {
				observability.Log().Warn("session renewal failed", observability.F("error", err.Error()))
				if s.alarms != nil {
					s.alarms.Raise(observability.Alarm{
						Type:     observability.AlarmSessionExpired,
						Severity: observability.AlarmSeverityWarn,
						Metadata: map[string]any{"error": err.Error()},
					})
				}
			}
		}
	}
}
