package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gerrors "brokergate/internal/errors"
)

type authServer struct {
	*httptest.Server
	tokenHits    int64
	approvalHits int64
	expiresIn    int64
	failAuth     bool
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{expiresIn: 3600}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&s.tokenHits, 1)
		if s.failAuth {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		// Hold concurrent callers long enough to pile up on the refresh.
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-" + string(rune('a'+n-1)),
			"expires_in":   s.expiresIn,
		})
	})
	mux.HandleFunc("/oauth2/Approval", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.approvalHits, 1)
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "appr-key"})
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestManager(s *authServer, margin time.Duration) *Manager {
	return NewManager(Credential{AppKey: "k", AppSecret: "s", AccountID: "acct"}, s.URL, margin, nil, nil)
}

func TestTokenSingleRefreshUnderConcurrency(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(s, time.Minute)

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i] = tok.Value
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
	}
	if hits := atomic.LoadInt64(&s.tokenHits); hits != 1 {
		t.Errorf("expected exactly 1 credential exchange, got %d", hits)
	}
	// No two live tokens coexist: every caller saw the same value.
	for i := 1; i < callers; i++ {
		if tokens[i] != tokens[0] {
			t.Errorf("caller %d got token %q, caller 0 got %q", i, tokens[i], tokens[0])
		}
	}
}

func TestTokenReusedWhileWithinMargin(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(s, time.Minute)

	first, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("first Token failed: %v", err)
	}
	second, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("second Token failed: %v", err)
	}

	if first.Value != second.Value {
		t.Error("token was refreshed while still within margin")
	}
	if hits := atomic.LoadInt64(&s.tokenHits); hits != 1 {
		t.Errorf("expected 1 exchange, got %d", hits)
	}
}

func TestTokenRefreshedWhenMarginal(t *testing.T) {
	s := newAuthServer(t)
	// expires_in 1s with a 1 minute margin: every returned token is
	// immediately marginal, so the second call must re-exchange.
	s.expiresIn = 1
	m := newTestManager(s, time.Minute)

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("first Token failed: %v", err)
	}
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("second Token failed: %v", err)
	}

	if hits := atomic.LoadInt64(&s.tokenHits); hits != 2 {
		t.Errorf("expected 2 exchanges for marginal tokens, got %d", hits)
	}
}

func TestTokenUsableMarginInvariant(t *testing.T) {
	now := time.Now()
	tok := &Token{
		Value:     "x",
		IssuedAt:  now,
		ExpiresAt: now.Add(100 * time.Second),
		Margin:    60 * time.Second,
	}

	if !tok.Usable(now) {
		t.Error("token should be usable 100s before expiry with 60s margin")
	}
	if tok.Usable(now.Add(45 * time.Second)) {
		t.Error("token should be unusable inside the margin window")
	}
	var nilTok *Token
	if nilTok.Usable(now) {
		t.Error("nil token must never be usable")
	}
}

func TestTokenExchangeFailurePropagatesToAllWaiters(t *testing.T) {
	s := newAuthServer(t)
	s.failAuth = true
	m := newTestManager(s, time.Minute)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d should have received the exchange failure", i)
		}
		if !gerrors.HasCode(err, gerrors.ErrCodeAuth) {
			t.Errorf("caller %d error code = %s, want AUTH_ERROR", i, gerrors.CodeOf(err))
		}
	}
}

func TestForceRefreshDiscardsCurrentToken(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(s, time.Minute)

	first, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	refreshed, err := m.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}

	if refreshed.Value == first.Value {
		t.Error("ForceRefresh returned the old token")
	}
	if hits := atomic.LoadInt64(&s.tokenHits); hits != 2 {
		t.Errorf("expected 2 exchanges, got %d", hits)
	}
}

func TestApprovalKeyNotCached(t *testing.T) {
	s := newAuthServer(t)
	m := newTestManager(s, time.Minute)

	for i := 0; i < 3; i++ {
		key, err := m.ApprovalKey(context.Background())
		if err != nil {
			t.Fatalf("ApprovalKey failed: %v", err)
		}
		if key != "appr-key" {
			t.Errorf("unexpected approval key %q", key)
		}
	}

	if hits := atomic.LoadInt64(&s.approvalHits); hits != 3 {
		t.Errorf("approval key should be exchanged per call, got %d hits for 3 calls", hits)
	}
}
