package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/coursepay/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	tokenPath       = "/oauth/v1/generate?grant_type=client_credentials"
	tokenExpirySkew = time.Minute
	defaultTokenTTL = 50 * time.Minute
)

// AccessToken is a bearer credential for the gateway API.
type AccessToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t AccessToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// TokenSource hands out gateway access tokens, refreshing through a single
// in-flight request when the cached one is missing or expired.
type TokenSource struct {
	baseURL string
	key     string
	secret  string
	ttl     time.Duration
	client  *http.Client
	cache   TokenCache
	group   singleflight.Group
	log     *zap.Logger
	now     func() time.Time
}

func NewTokenSource(cfg Config, cache TokenCache, client *http.Client, log *zap.Logger) *TokenSource {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout()}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenSource{
		baseURL: cfg.URL(),
		key:     cfg.ConsumerKey,
		secret:  cfg.ConsumerSecret,
		ttl:     ttl,
		client:  client,
		cache:   cache,
		log:     log,
		now:     time.Now,
	}
}

// Token returns a valid access token. Concurrent callers on a cold or expired
// cache share one refresh and all receive its result.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if s.key == "" || s.secret == "" {
		return "", ErrMissingCredentials
	}

	if tok, ok := s.cached(ctx); ok {
		return tok.Value, nil
	}

	v, err, shared := s.group.Do("token", func() (any, error) {
		// a refresh may have landed between our cache miss and joining the group
		if tok, ok := s.cached(ctx); ok {
			return tok, nil
		}
		tok, err := s.fetch(context.WithoutCancel(ctx))
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
			return AccessToken{}, err
		}
		metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
		if err := s.cache.Store(ctx, tok); err != nil {
			s.log.Warn("mpesa token cache store failed", zap.Error(err))
		}
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		s.log.Debug("mpesa token refresh shared")
	}
	return v.(AccessToken).Value, nil
}

// Invalidate drops the cached token so the next call refreshes it.
func (s *TokenSource) Invalidate(ctx context.Context) {
	if err := s.cache.Store(ctx, AccessToken{}); err != nil {
		s.log.Warn("mpesa token cache invalidate failed", zap.Error(err))
	}
}

func (s *TokenSource) cached(ctx context.Context) (AccessToken, bool) {
	tok, ok, err := s.cache.Load(ctx)
	if err != nil {
		s.log.Warn("mpesa token cache load failed", zap.Error(err))
		return AccessToken{}, false
	}
	if !ok || !tok.Valid(s.now()) {
		return AccessToken{}, false
	}
	return tok, true
}

func (s *TokenSource) fetch(ctx context.Context) (AccessToken, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+tokenPath, nil)
	if err != nil {
		return AccessToken{}, err
	}
	req.SetBasicAuth(s.key, s.secret)

	res, err := s.client.Do(req)
	if err != nil {
		observe("token", "network", start)
		return AccessToken{}, fmt.Errorf("%w: token request: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		observe("token", "network", start)
		return AccessToken{}, fmt.Errorf("%w: read token response: %v", ErrUnavailable, err)
	}

	if res.StatusCode != http.StatusOK {
		observe("token", strconv.Itoa(res.StatusCode), start)
		if res.StatusCode >= 500 {
			return AccessToken{}, fmt.Errorf("%w: token endpoint status=%d", ErrUnavailable, res.StatusCode)
		}
		return AccessToken{}, fmt.Errorf("%w: token endpoint status=%d body=%s", ErrAuth, res.StatusCode, strings.TrimSpace(string(body)))
	}
	observe("token", "ok", start)

	var out struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return AccessToken{}, fmt.Errorf("%w: decode token response: %v", ErrUnavailable, err)
	}
	if out.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("%w: empty access_token", ErrAuth)
	}

	ttl := s.ttl
	if secs := parseExpiresIn(out.ExpiresIn); secs > 0 && time.Duration(secs)*time.Second < ttl {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > 2*tokenExpirySkew {
		ttl -= tokenExpirySkew
	}

	return AccessToken{Value: out.AccessToken, ExpiresAt: s.now().Add(ttl)}, nil
}

// parseExpiresIn accepts both "3599" and 3599.
func parseExpiresIn(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func observe(endpoint, outcome string, start time.Time) {
	metrics.GatewayRequestSeconds.WithLabelValues(endpoint, outcome).Observe(time.Since(start).Seconds())
}
