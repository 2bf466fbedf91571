package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/sillymd/hub/internal/models"
)

// DefaultAPIBaseURL is the production WeChat Work API endpoint.
const DefaultAPIBaseURL = "https://qyapi.weixin.qq.com"

// tokenSafetyMargin is subtracted from the reported expiry so we refresh
// before the provider actually invalidates the token.
const tokenSafetyMargin = 5 * time.Minute

// PushClient sends text messages through a tenant's WeChat Work application.
// Access tokens are cached per (corp, agent) until shortly before expiry.
type PushClient struct {
	baseURL string
	client  *retryablehttp.Client

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewPushClient creates a push client against the production API.
func NewPushClient(timeout time.Duration) *PushClient {
	return NewPushClientWithBaseURL(DefaultAPIBaseURL, timeout)
}

// NewPushClientWithBaseURL creates a push client against a custom endpoint.
func NewPushClientWithBaseURL(baseURL string, timeout time.Duration) *PushClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &PushClient{
		baseURL: baseURL,
		client:  rc,
		tokens:  make(map[string]cachedToken),
	}
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type sendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// SendText pushes a text message to the configured target user(s).
func (p *PushClient) SendText(ctx context.Context, cfg *models.PushConfig, content string) error {
	token, err := p.accessToken(ctx, cfg)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"touser":  cfg.Target,
		"msgtype": "text",
		"agentid": cfg.AgentID,
		"text":    map[string]string{"content": content},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/message/send?access_token=%s", p.baseURL, url.QueryEscape(token))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push message: %w", err)
	}
	defer resp.Body.Close()

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode push response: %w", err)
	}

	if result.ErrCode != 0 {
		// Token may have been revoked out of band; drop it so the next send refreshes.
		if result.ErrCode == 40014 || result.ErrCode == 42001 {
			p.invalidateToken(cfg)
		}
		return fmt.Errorf("push rejected: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg)
	}

	return nil
}

func (p *PushClient) accessToken(ctx context.Context, cfg *models.PushConfig) (string, error) {
	key := tokenCacheKey(cfg)

	p.mu.Lock()
	cached, ok := p.tokens[key]
	p.mu.Unlock()

	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		p.baseURL, url.QueryEscape(cfg.CorpID), url.QueryEscape(cfg.CorpSecret))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	if result.ErrCode != 0 || result.AccessToken == "" {
		return "", fmt.Errorf("token rejected: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg)
	}

	expiresAt := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	if result.ExpiresIn > int(tokenSafetyMargin/time.Second) {
		expiresAt = expiresAt.Add(-tokenSafetyMargin)
	}

	p.mu.Lock()
	p.tokens[key] = cachedToken{value: result.AccessToken, expiresAt: expiresAt}
	p.mu.Unlock()

	return result.AccessToken, nil
}

func (p *PushClient) invalidateToken(cfg *models.PushConfig) {
	p.mu.Lock()
	delete(p.tokens, tokenCacheKey(cfg))
	p.mu.Unlock()
}

func tokenCacheKey(cfg *models.PushConfig) string {
	return fmt.Sprintf("%s/%d", cfg.CorpID, cfg.AgentID)
}
