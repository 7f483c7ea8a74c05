// Package verifyclient talks to the external scan-to-authenticate service.
//
// The service speaks JSON over HTTP. Every response is wrapped in an
// envelope carrying a numeric retCode; 0 means success.
package verifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	retCodeOK = 0

	// retCodeNotAuthenticated means the user has not scanned or confirmed yet.
	// It is the only code treated as pending; every other non-zero code
	// fails the verification.
	retCodeNotAuthenticated = 4401
)

const (
	tokenAttempts       = 3
	defaultRetryDelay   = time.Second
	defaultChallengeTTL = 2 * time.Minute
	defaultTokenTTL     = 5 * time.Minute
	maxResponseSize     = 1 << 20

	// tokenExpirySkew renews the token slightly before the provider drops it.
	tokenExpirySkew = 30 * time.Second
)

const (
	tokenPath     = "/api/v1/token"
	challengePath = "/api/v1/qrcode"
	resultPath    = "/api/v1/qrcode/result"
)

// Config holds the connection settings for Client.
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// RetryDelay is the pause between failed token attempts. Defaults to 1s.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Challenge is a freshly issued scannable challenge.
type Challenge struct {
	Token   string
	Payload string
	Expiry  time.Time
}

// ResultState classifies a poll result.
type ResultState int

const (
	ResultPending ResultState = iota
	ResultVerified
	ResultFailed
)

// Result is the outcome of polling a challenge.
type Result struct {
	State    ResultState
	Identity string
	Reason   string
}

// Client caches the access token and issues challenge requests.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a Client. Missing credentials are reported lazily as ErrNotConfigured.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, http: cfg.HTTPClient, logger: cfg.Logger, now: time.Now}
}

// Configured reports whether credentials and endpoint are set.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.AppID != "" && c.cfg.AppSecret != ""
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Data    json.RawMessage `json:"data"`
}

type tokenData struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type challengeData struct {
	QRCodeToken string `json:"qrcodeToken"`
	QRCodeURL   string `json:"qrcodeUrl"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type resultData struct {
	OpenID string `json:"openId"`
}

// AccessToken returns the cached token while it is valid, otherwise fetches a
// new one with up to three attempts separated by RetryDelay.
func (c *Client) AccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	// Held across the fetch so concurrent callers share a single refresh.
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var lastErr error
	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		data, err := c.fetchToken(ctx)
		if err == nil {
			c.token = data.AccessToken
			c.tokenExpiry = c.now().Add(tokenLifetime(data.ExpiresIn))
			return c.token, nil
		}
		lastErr = err
		c.logger.Warn("access token request failed", "attempt", attempt, "error", err)

		if attempt < tokenAttempts {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("obtain access token after %d attempts: %w", tokenAttempts, lastErr)
}

func tokenLifetime(expiresIn int64) time.Duration {
	lifetime := time.Duration(expiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenTTL
	}
	if lifetime > 2*tokenExpirySkew {
		lifetime -= tokenExpirySkew
	}
	return lifetime
}

func (c *Client) fetchToken(ctx context.Context) (tokenData, error) {
	var data tokenData
	body := map[string]string{"appId": c.cfg.AppID, "appSecret": c.cfg.AppSecret}
	env, err := c.post(ctx, "token", tokenPath, "", body)
	if err != nil {
		return data, err
	}
	if env.RetCode != retCodeOK {
		return data, &ProtocolError{Op: "token", RetCode: env.RetCode, RetMsg: env.RetMsg}
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, &TransportError{Op: "token", Err: fmt.Errorf("malformed token data: %w", err)}
	}
	if data.AccessToken == "" {
		return data, &TransportError{Op: "token", Err: errEmptyField}
	}
	return data, nil
}

// RequestChallenge issues a new scannable challenge. Single attempt.
func (c *Client) RequestChallenge(ctx context.Context) (Challenge, error) {
	token, err := c.AccessToken(ctx, false)
	if err != nil {
		return Challenge{}, err
	}

	env, err := c.post(ctx, "challenge", challengePath, token, struct{}{})
	if err != nil {
		return Challenge{}, err
	}
	if env.RetCode != retCodeOK {
		return Challenge{}, &ProtocolError{Op: "challenge", RetCode: env.RetCode, RetMsg: env.RetMsg}
	}

	var data challengeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Challenge{}, &TransportError{Op: "challenge", Err: fmt.Errorf("malformed challenge data: %w", err)}
	}
	if data.QRCodeToken == "" {
		return Challenge{}, &TransportError{Op: "challenge", Err: errEmptyField}
	}
	ttl := time.Duration(data.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	return Challenge{
		Token:   data.QRCodeToken,
		Payload: data.QRCodeURL,
		Expiry:  c.now().Add(ttl),
	}, nil
}

// PollResult asks whether the challenge has been satisfied. The
// not-yet-authenticated code is reported as ResultPending, not as an error.
func (c *Client) PollResult(ctx context.Context, challengeToken string) (Result, error) {
	token, err := c.AccessToken(ctx, false)
	if err != nil {
		return Result{}, err
	}

	env, err := c.post(ctx, "poll", resultPath, token, map[string]string{"qrcodeToken": challengeToken})
	if err != nil {
		return Result{}, err
	}

	switch env.RetCode {
	case retCodeOK:
		var data resultData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Result{}, &TransportError{Op: "poll", Err: fmt.Errorf("malformed result data: %w", err)}
		}
		return Result{State: ResultVerified, Identity: data.OpenID}, nil
	case retCodeNotAuthenticated:
		return Result{State: ResultPending}, nil
	default:
		return Result{
			State:  ResultFailed,
			Reason: fmt.Sprintf("verification rejected (code %d): %s", env.RetCode, env.RetMsg),
		}, nil
	}
}

// IsChallengeExpired is a pure timestamp check.
func (c *Client) IsChallengeExpired(expiry time.Time) bool {
	return !c.now().Before(expiry)
}

func (c *Client) post(ctx context.Context, op, path, bearer string, body any) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close provider response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&env); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &env, nil
}
