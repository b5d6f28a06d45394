package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"
)

type Config struct {
	Environment    string // sandbox | production
	BaseURL        string // wins over Environment when set
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
	TokenTTL       time.Duration
	FailThreshold  int
	OpenFor        time.Duration
}

// URL is the API root without a trailing slash.
func (c Config) URL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == "production" {
		return ProductionURL
	}
	return SandboxURL
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

// Client calls the Daraja API with a bearer token from TokenSource,
// guarded by a circuit breaker.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  *TokenSource
	br      *Breaker
	log     *zap.Logger
}

func NewClient(cfg Config, tokens *TokenSource, log *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.URL(),
		client:  &http.Client{Timeout: cfg.timeout()},
		tokens:  tokens,
		br:      NewBreaker(cfg.FailThreshold, cfg.OpenFor),
		log:     log,
	}
}

// post sends in as JSON and decodes a 2xx answer into out.
func (c *Client) post(ctx context.Context, endpoint, path string, in, out any) error {
	if !c.br.TryAcquire() {
		return fmt.Errorf("%w: circuit %s", ErrUnavailable, c.br.State())
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			c.br.OnFailure()
		} else {
			c.br.Release()
		}
		return err
	}

	b, err := json.Marshal(in)
	if err != nil {
		c.br.OnSuccess()
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		c.br.OnSuccess()
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.client.Do(req)
	if err != nil {
		c.br.OnFailure()
		observe(endpoint, "network", start)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		c.br.OnFailure()
		observe(endpoint, "network", start)
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, endpoint, err)
	}
	observe(endpoint, strconv.Itoa(res.StatusCode), start)

	if res.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}

		switch {
		case res.StatusCode >= 500 && !apiErr.StillProcessing():
			c.br.OnFailure()
		case res.StatusCode == http.StatusUnauthorized:
			c.tokens.Invalidate(ctx)
			c.br.OnSuccess()
		default:
			c.br.OnSuccess()
		}

		c.log.Warn("mpesa api error",
			zap.String("endpoint", endpoint),
			zap.Int("status", res.StatusCode),
			zap.String("code", apiErr.Code),
			zap.String("message", apiErr.Message))
		return apiErr
	}

	c.br.OnSuccess()

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, endpoint, err)
	}
	return nil
}
