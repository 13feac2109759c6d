package wxcloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
)

// expiryMargin is subtracted from expires_in so a token is never used in its last minute.
const expiryMargin = 60

type accessToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	RequestAt   int64  `json:"request_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

func (t *accessToken) valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Unix() < t.ExpiresAt
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

// tokenSource hands out the API access token, refreshing it from the token
// endpoint when the cached one (in memory or in the cache file) expired.
type tokenSource struct {
	host      string
	appID     string
	secret    string
	cacheFile string
	http      *http.Client
	now       func() time.Time

	mu      sync.Mutex
	current *accessToken
}

func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.current.valid(now) {
		return ts.current.AccessToken, nil
	}
	if cached := ts.readCache(); cached.valid(now) {
		ts.current = cached
		return cached.AccessToken, nil
	}

	token, err := ts.fetch(ctx)
	if err != nil {
		return "", err
	}
	ts.current = token
	ts.saveCache(token)
	return token.AccessToken, nil
}

// Invalidate drops the token after the API rejected it.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.current = nil
	if ts.cacheFile != "" {
		_ = os.Remove(ts.cacheFile)
	}
}

func (ts *tokenSource) fetch(ctx context.Context) (*accessToken, error) {
	params := url.Values{}
	params.Set("grant_type", "client_credential")
	params.Set("appid", ts.appID)
	params.Set("secret", ts.secret)
	endpoint := ts.host + "/cgi-bin/token?" + params.Encode()

	logger.Info("Request access token from api server")

	var token *accessToken
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		var resp tokenResponse
		if err := doJSON(ts.http, req, &resp); err != nil {
			return err
		}
		if resp.ErrCode != 0 || resp.AccessToken == "" {
			return backoff.Permanent(&APIError{Code: resp.ErrCode, Message: resp.ErrMsg})
		}
		requestAt := ts.now().Unix()
		token = &accessToken{
			AccessToken: resp.AccessToken,
			ExpiresIn:   resp.ExpiresIn,
			RequestAt:   requestAt,
			ExpiresAt:   requestAt + resp.ExpiresIn - expiryMargin,
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)); err != nil {
		logger.ErrorF("Fail to fetch access token, details: %v", err)
		return nil, fmt.Errorf("fetch access token: %w", err)
	}
	return token, nil
}

func (ts *tokenSource) readCache() *accessToken {
	if ts.cacheFile == "" {
		return nil
	}
	data, err := os.ReadFile(ts.cacheFile)
	if err != nil {
		return nil
	}
	var token accessToken
	if err := json.Unmarshal(data, &token); err != nil {
		logger.WarnF("Ignoring unreadable token cache %s: %v", ts.cacheFile, err)
		return nil
	}
	logger.Debug("Read access token from cache file")
	return &token
}

func (ts *tokenSource) saveCache(token *accessToken) {
	if ts.cacheFile == "" {
		return
	}
	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	if err := os.WriteFile(ts.cacheFile, data, 0600); err != nil {
		logger.WarnF("Fail to write token cache %s: %v", ts.cacheFile, err)
	}
}
