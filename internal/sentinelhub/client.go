// Package sentinelhub is a small client for the Sentinel Hub catalog and process APIs as
// served by the Copernicus Data Space Ecosystem.
package sentinelhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/chrissnell/snowpatch/internal/metrics"
)

const (
	DefaultBaseURL    = "https://sh.dataspace.copernicus.eu"
	DefaultTokenURL   = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	DefaultCollection = "sentinel-2-l2a"
	DefaultMaxRetries = 3
	DefaultTimeout    = 2 * time.Minute

	catalogSearchPath = "/api/v1/catalog/1.0.0/search"
	processPath       = "/api/v1/process"

	// maxErrorBody bounds how much of an error response is kept in the message
	maxErrorBody = 512
)

// Config holds the provider endpoints and credentials
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Collection   string
	Timeout      time.Duration
	MaxRetries   int
	// InitialBackoff is the first retry delay; zero uses the backoff library default
	InitialBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Client talks to the provider with OAuth2 client credentials
type Client struct {
	config  Config
	http    *http.Client
	logger  *zap.SugaredLogger
	metrics *metrics.Collector
}

// NewClient creates a client. The token is fetched lazily on the first request and refreshed as needed.
func NewClient(ctx context.Context, cfg Config, logger *zap.SugaredLogger, m *metrics.Collector) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrMissingCredentials
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = cfg.Timeout

	return &Client{
		config:  cfg,
		http:    httpClient,
		logger:  logger,
		metrics: m,
	}, nil
}

// Collection returns the data collection requests are made against
func (c *Client) Collection() string {
	return c.config.Collection
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.config.InitialBackoff > 0 {
		eb.InitialInterval = c.config.InitialBackoff
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.config.MaxRetries)), ctx)
}

// postJSON sends body to path and returns the response body. 429 and 5xx responses and
// transport errors are retried with exponential backoff; other failures return at once.
func (c *Client) postJSON(ctx context.Context, endpoint, path string, body interface{}, accept string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", endpoint, err)
	}

	var (
		out     []byte
		attempt int
	)
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", accept)

		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.RecordProviderRequest(endpoint, 0)
			return c.transportError(endpoint, err)
		}
		defer resp.Body.Close()
		c.metrics.RecordProviderRequest(endpoint, resp.StatusCode)

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &APIError{kind: KindExternalService, Endpoint: endpoint, Err: err}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			out = data
			return nil
		}

		apiErr := &APIError{
			kind:       kindForStatus(resp.StatusCode),
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(data)), maxErrorBody),
		}
		if retryable(resp.StatusCode) {
			c.logger.Warnw("provider request failed, will retry", "endpoint", endpoint, "status", resp.StatusCode, "attempt", attempt)
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &APIError{kind: KindExternalService, Endpoint: endpoint, Err: ctxErr}
		}
		return nil, err
	}
	return out, nil
}

// transportError classifies a failed round trip. Token endpoint rejections are permanent.
func (c *Client) transportError(endpoint string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := 0
		if retrieveErr.Response != nil {
			code = retrieveErr.Response.StatusCode
		}
		return backoff.Permanent(&APIError{
			kind:       KindAuthentication,
			Endpoint:   "token",
			StatusCode: code,
			Message:    truncate(string(retrieveErr.Body), maxErrorBody),
			Err:        err,
		})
	}
	c.logger.Warnw("provider request transport error", "endpoint", endpoint, "error", err)
	return &APIError{kind: KindExternalService, Endpoint: endpoint, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
