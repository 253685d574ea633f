package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"brokergate/internal/errors"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
)

// Credential holds the brokerage app credentials. Immutable after construction.
type Credential struct {
	AppKey    string
	AppSecret string
	AccountID string
}

// Token is a time-limited REST credential. Owned exclusively by the
// Manager; callers receive copies and never mutate it.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Margin    time.Duration
}

// Usable reports whether the token still satisfies the margin invariant:
// now < expiresAt - margin.
func (t *Token) Usable(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt.Add(-t.Margin))
}

// Manager owns the access-token lifecycle. Concurrent callers share a
// single in-flight exchange; a failed exchange is reported to every
// waiter instead of each retrying on its own.
type Manager struct {
	cred       Credential
	baseURL    string
	httpClient *http.Client
	margin     time.Duration
	attempts   int
	log        *logging.Logger
	metrics    *monitoring.Metrics

	mu       sync.Mutex // guards token, inflight, lastErr
	token    *Token
	inflight chan struct{}
	lastErr  error
}

// NewManager creates a token manager.
func NewManager(cred Credential, baseURL string, margin time.Duration, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if margin <= 0 {
		margin = 60 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		cred:       cred,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		margin:     margin,
		attempts:   3,
		log:        log.WithField("component", "auth"),
		metrics:    metrics,
	}
}

// Credential returns the immutable app credential.
func (m *Manager) Credential() Credential {
	return m.cred
}

// Token returns a token satisfying the margin invariant, refreshing if
// needed. The double-checked pattern avoids duplicate refreshes under
// concurrent demand: the first caller through performs the exchange, the
// rest wait on the same result.
func (m *Manager) Token(ctx context.Context) (*Token, error) {
	for {
		m.mu.Lock()
		if m.token.Usable(time.Now()) {
			t := *m.token
			m.mu.Unlock()
			return &t, nil
		}

		if m.inflight == nil {
			done := make(chan struct{})
			m.inflight = done
			m.mu.Unlock()

			tok, err := m.exchange(ctx)

			m.mu.Lock()
			m.token = tok
			m.lastErr = err
			m.inflight = nil
			close(done)
			m.mu.Unlock()

			if err != nil {
				return nil, err
			}
			t := *tok
			return &t, nil
		}

		done := m.inflight
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "token wait cancelled")
		}

		m.mu.Lock()
		err := m.lastErr
		tok := m.token
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if tok.Usable(time.Now()) {
			t := *tok
			return &t, nil
		}
		// Refresh finished but the token is already marginal. Loop and
		// trigger another exchange.
	}
}

// ForceRefresh discards the current token and performs a fresh exchange.
// Used by the executor after a 401.
func (m *Manager) ForceRefresh(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	return m.Token(ctx)
}

// exchange performs the credential exchange with bounded transport retries.
func (m *Manager) exchange(ctx context.Context) (*Token, error) {
	start := time.Now()

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     m.cred.AppKey,
		"appsecret":  m.cred.AppSecret,
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}

	if err := m.postJSON(ctx, "/oauth2/tokenP", body, &resp); err != nil {
		m.metrics.RecordTokenRefresh("failure")
		m.log.WithError(err).WithField("elapsed", time.Since(start).String()).
			Error("credential exchange failed")
		return nil, errors.Wrap(err, errors.ErrCodeAuth, "credential exchange failed")
	}
	if resp.AccessToken == "" {
		m.metrics.RecordTokenRefresh("failure")
		return nil, errors.New(errors.ErrCodeAuth, "credential exchange returned empty token")
	}

	now := time.Now()
	tok := &Token{
		Value:     resp.AccessToken,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		Margin:    m.margin,
	}

	m.metrics.RecordTokenRefresh("success")
	m.log.WithField("expires_in", resp.ExpiresIn).
		WithField("elapsed", time.Since(start).String()).
		Info("access token refreshed")
	return tok, nil
}

// ApprovalKey exchanges credentials for a streaming approval key. Requested
// once per stream connection and never cached: reconnects get a fresh key.
func (m *Manager) ApprovalKey(ctx context.Context) (string, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     m.cred.AppKey,
		"secretkey":  m.cred.AppSecret,
	}

	var resp struct {
		ApprovalKey string `json:"approval_key"`
	}

	if err := m.postJSON(ctx, "/oauth2/Approval", body, &resp); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeAuth, "approval key exchange failed")
	}
	if resp.ApprovalKey == "" {
		return "", errors.New(errors.ErrCodeAuth, "approval key exchange returned empty key")
	}
	return resp.ApprovalKey, nil
}

func (m *Manager) postJSON(ctx context.Context, path string, body interface{}, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	wait := 200 * time.Millisecond

	for attempt := 0; attempt < m.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		resp, err := m.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			// Non-200 from the auth endpoint means bad credentials or a
			// broker-side rejection. Retrying will not help.
			return fmt.Errorf("auth endpoint returned HTTP %d: %s", resp.StatusCode, truncate(data, 200))
		}

		return json.Unmarshal(data, result)
	}

	return fmt.Errorf("auth endpoint unreachable after %d attempts: %w", m.attempts, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
