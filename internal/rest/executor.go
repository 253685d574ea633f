package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"brokergate/internal/auth"
	"brokergate/internal/errors"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
	"brokergate/internal/quota"
)

// Config is the single retry policy applied to every outbound call.
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	RateCooldown time.Duration // fixed sleep after a 429
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Executor issues brokerage REST calls with quota reservation, token
// handling and centralized retry/backoff. Call sites choose parameters
// (descriptor, retry count); the policy lives here.
type Executor struct {
	baseURL    string
	httpClient *http.Client
	tokens     *auth.Manager
	governor   *quota.Governor
	cfg        Config
	log        *logging.Logger
	metrics    *monitoring.Metrics
}

// NewExecutor creates an executor.
func NewExecutor(baseURL string, tokens *auth.Manager, governor *quota.Governor, cfg Config, log *logging.Logger, metrics *monitoring.Metrics) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateCooldown <= 0 {
		cfg.RateCooldown = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Executor{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		tokens:     tokens,
		governor:   governor,
		cfg:        cfg,
		log:        log.WithField("component", "rest"),
		metrics:    metrics,
	}
}

// Execute runs a descriptor with up to retries attempts. retries <= 0
// means the configured default. Retryable classes (429, 5xx, transport)
// are retried locally; non-retryable classes propagate on first
// occurrence; exhausting retries surfaces the last classified error.
func (e *Executor) Execute(ctx context.Context, desc *Descriptor, retries int) (*Response, error) {
	if retries <= 0 {
		retries = e.cfg.MaxRetries
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < retries; attempt++ {
		if err := e.governor.Reserve(ctx); err != nil {
			// Quota exhaustion and cancellation propagate without a
			// network call.
			return nil, err
		}

		resp, err := e.attempt(ctx, desc)
		if err == nil {
			return resp, nil
		}

		code := errors.CodeOf(err)
		e.metrics.RecordAPIError(desc.TRID, string(code))
		lastErr = err

		switch code {
		case errors.ErrCodeRateLimited:
			e.log.WithFields(map[string]interface{}{
				"tr_id":   desc.TRID,
				"attempt": attempt + 1,
				"elapsed": time.Since(start).String(),
			}).Warn("rate limited by brokerage, cooling down")
			if err := sleepCtx(ctx, e.cfg.RateCooldown); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeCancelled, "cooldown interrupted")
			}

		case errors.ErrCodeTransientNetwork:
			wait := e.backoff(attempt)
			e.log.WithFields(map[string]interface{}{
				"tr_id":   desc.TRID,
				"attempt": attempt + 1,
				"backoff": wait.String(),
				"elapsed": time.Since(start).String(),
			}).Warn("transient failure, backing off")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeCancelled, "backoff interrupted")
			}

		default:
			// Auth, AuthExpired, BrokerRejected, Cancelled: never retried.
			return nil, err
		}
	}

	return nil, errors.Wrap(lastErr, errors.ErrCodeTransientNetwork, "retries exhausted").
		WithContext("tr_id", desc.TRID).
		WithContext("attempts", retries)
}

// attempt performs one logical attempt. A 401 triggers exactly one forced
// token refresh and one replay of the same attempt; a second consecutive
// 401 is AUTH_EXPIRED.
func (e *Executor) attempt(ctx context.Context, desc *Descriptor) (*Response, error) {
	tok, err := e.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	refreshed := false
	for {
		resp, err := e.do(ctx, desc, tok)
		if err != nil {
			e.metrics.RecordAPICall(desc.TRID, "transport_error")
			return nil, errors.Wrap(err, errors.ErrCodeTransientNetwork, "request transport failed")
		}

		e.metrics.RecordAPICall(desc.TRID, strconv.Itoa(resp.Status))

		switch {
		case resp.Status == http.StatusOK:
			if !resp.OK() {
				// Transport success, brokerage-level non-success: the
				// envelope is returned to the caller, who owns the
				// business decision.
				e.log.WithFields(map[string]interface{}{
					"tr_id":  desc.TRID,
					"rt_cd":  resp.ReturnCode,
					"msg_cd": resp.MsgCode,
					"msg":    resp.Message,
				}).Warn("brokerage returned non-success envelope")
			}
			return resp, nil

		case resp.Status == http.StatusUnauthorized:
			if refreshed {
				return nil, errors.New(errors.ErrCodeAuthExpired, "401 persisted after forced token refresh").
					WithContext("tr_id", desc.TRID)
			}
			refreshed = true
			e.log.WithField("tr_id", desc.TRID).Info("401 received, forcing token refresh")
			tok, err = e.tokens.ForceRefresh(ctx)
			if err != nil {
				return nil, err
			}

		case resp.Status == http.StatusTooManyRequests:
			return nil, errors.New(errors.ErrCodeRateLimited, "brokerage rate limit hit").
				WithContext("tr_id", desc.TRID)

		case resp.Status >= 500:
			return nil, errors.Newf(errors.ErrCodeTransientNetwork, "brokerage returned HTTP %d", resp.Status).
				WithContext("tr_id", desc.TRID)

		default:
			return nil, errors.Newf(errors.ErrCodeBrokerRejected, "brokerage rejected request: HTTP %d", resp.Status).
				WithContext("tr_id", desc.TRID).
				WithContext("body", string(resp.Raw))
		}
	}
}

// do issues the HTTP request once and parses the envelope.
func (e *Executor) do(ctx context.Context, desc *Descriptor, tok *auth.Token) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if desc.Body != nil {
		payload, err := json.Marshal(desc.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	u := e.baseURL + desc.Path
	if len(desc.Query) > 0 {
		u += "?" + desc.Query.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, desc.Method, u, body)
	if err != nil {
		return nil, err
	}

	cred := e.tokens.Credential()
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("appkey", cred.AppKey)
	req.Header.Set("appsecret", cred.AppSecret)
	req.Header.Set("tr_id", desc.TRID)

	httpResp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	resp := &Response{Status: httpResp.StatusCode, Raw: raw}
	if httpResp.StatusCode == http.StatusOK && len(raw) > 0 {
		if err := json.Unmarshal(raw, resp); err != nil {
			return nil, fmt.Errorf("failed to parse response envelope: %w", err)
		}
	}
	return resp, nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	wait := e.cfg.BackoffBase << uint(attempt)
	if wait > e.cfg.BackoffMax || wait <= 0 {
		wait = e.cfg.BackoffMax
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
