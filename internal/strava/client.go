// Package strava talks to the Strava REST API: OAuth token refresh and athlete activity listing.
package strava

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stridetally/internal/metrics"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize       = 200
	defaultMaxPages       = 1
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = time.Second
	maxResponseBytes      = 16 << 20
	breakerName           = "strava-api"

	endpointActivities = "activities"
	endpointToken      = "token"
)

var (
	errMissingClientID     = errors.New("strava: client id is required")
	errMissingClientSecret = errors.New("strava: client secret is required")
	errMissingAPIURL       = errors.New("strava: api url is required")
	errMissingTokenURL     = errors.New("strava: token url is required")
	errMissingAccessToken  = errors.New("strava: access token is required")
	errMissingRefreshToken = errors.New("strava: refresh token is required")
	errIncompleteToken     = errors.New("strava: token response missing access_token or expires_at")
)

// HTTPClient is the subset of *http.Client used by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig describes how to reach Strava.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	APIURL       string
	TokenURL     string
	HTTPClient   HTTPClient
	// RequestsPerMinute throttles outbound calls; zero or negative disables throttling.
	RequestsPerMinute int
	PageSize          int
	MaxPages          int
	// MaxRetries bounds retries after HTTP 429; zero selects the default and negative disables retries.
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         *zap.Logger
}

// Client is safe for concurrent use by multiple sync flows.
type Client struct {
	clientID       string
	clientSecret   string
	apiURL         string
	tokenURL       string
	httpClient     HTTPClient
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker[response]
	pageSize       int
	maxPages       int
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *zap.Logger
}

type response struct {
	status int
	body   []byte
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errMissingClientSecret
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, errMissingAPIURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errMissingTokenURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	retryBaseDelay := cfg.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.RequestsPerMinute / 6
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), burst)
	}

	return &Client{
		clientID:       strings.TrimSpace(cfg.ClientID),
		clientSecret:   strings.TrimSpace(cfg.ClientSecret),
		apiURL:         strings.TrimRight(cfg.APIURL, "/"),
		tokenURL:       cfg.TokenURL,
		httpClient:     httpClient,
		limiter:        limiter,
		breaker:        newBreaker(logger),
		pageSize:       pageSize,
		maxPages:       maxPages,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
		logger:         logger,
	}, nil
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenResponse{}, &TokenError{Err: errMissingRefreshToken}
	}
	payload, err := json.Marshal(refreshRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RefreshToken: refreshToken,
		GrantType:    "refresh_token",
	})
	if err != nil {
		return TokenResponse{}, &TokenError{Err: err}
	}

	resp, err := c.send(ctx, endpointToken, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return TokenResponse{}, &TokenError{StatusCode: resp.status, Body: string(resp.body), Err: err}
	}
	if resp.status < 200 || resp.status >= 300 {
		c.logger.Warn("strava token exchange rejected", zap.Int("status", resp.status))
		return TokenResponse{}, &TokenError{StatusCode: resp.status, Body: string(resp.body)}
	}

	var token TokenResponse
	if err := json.Unmarshal(resp.body, &token); err != nil {
		return TokenResponse{}, &TokenError{StatusCode: resp.status, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if strings.TrimSpace(token.AccessToken) == "" || token.ExpiresAt == 0 {
		return TokenResponse{}, &TokenError{StatusCode: resp.status, Err: errIncompleteToken}
	}
	return token, nil
}

// FetchActivities lists the athlete's activities that started strictly after since (Strava's `after` filter is exclusive).
// Pages are requested until a short page is returned or the configured page cap is reached.
func (c *Client) FetchActivities(ctx context.Context, accessToken string, since time.Time) ([]RawActivity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, &FetchError{Err: errMissingAccessToken}
	}

	var activities []RawActivity
	for page := 1; page <= c.maxPages; page++ {
		batch, received, err := c.fetchPage(ctx, accessToken, since, page)
		if err != nil {
			return nil, err
		}
		activities = append(activities, batch...)
		if received < c.pageSize {
			break
		}
	}
	return activities, nil
}

func (c *Client) fetchPage(ctx context.Context, accessToken string, since time.Time, page int) ([]RawActivity, int, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(since.Unix(), 10))
	query.Set("per_page", strconv.Itoa(c.pageSize))
	query.Set("page", strconv.Itoa(page))
	endpoint := fmt.Sprintf("%s/athlete/activities?%s", c.apiURL, query.Encode())

	resp, err := c.send(ctx, endpointActivities, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, 0, &FetchError{StatusCode: resp.status, Body: string(resp.body), Err: err}
	}
	if resp.status < 200 || resp.status >= 300 {
		c.logger.Warn("strava activities request rejected", zap.Int("status", resp.status), zap.Int("page", page))
		return nil, 0, &FetchError{StatusCode: resp.status, Body: string(resp.body)}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(resp.body, &items); err != nil {
		return nil, 0, &FetchError{StatusCode: resp.status, Err: fmt.Errorf("decode activities: %w", err)}
	}

	activities := make([]RawActivity, 0, len(items))
	for index, item := range items {
		var activity RawActivity
		if err := json.Unmarshal(item, &activity); err != nil {
			c.logger.Warn("skipping undecodable activity", zap.Int("page", page), zap.Int("index", index), zap.Error(err))
			continue
		}
		activities = append(activities, activity)
	}
	return activities, len(items), nil
}

// send runs one logical request through the rate limiter and circuit breaker.
// 5xx responses and exhausted 429 retries count as breaker failures; other statuses are returned for the caller to judge.
func (c *Client) send(ctx context.Context, endpoint string, build func() (*http.Request, error)) (response, error) {
	started := time.Now()
	resp, err := c.breaker.Execute(func() (response, error) {
		return c.doWithRateLimit(ctx, build)
	})
	outcome := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	case resp.status >= 300:
		outcome = strconv.Itoa(resp.status)
	}
	metrics.RecordStravaRequest(endpoint, outcome, time.Since(started))
	return resp, err
}

func (c *Client) doWithRateLimit(ctx context.Context, build func() (*http.Request, error)) (response, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, err
		}
		req, err := build()
		if err != nil {
			return response{}, fmt.Errorf("create request: %w", err)
		}
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return response{}, fmt.Errorf("execute request: %w", err)
		}
		body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		_ = httpResp.Body.Close()
		if readErr != nil {
			return response{status: httpResp.StatusCode}, fmt.Errorf("read response: %w", readErr)
		}
		resp := response{status: httpResp.StatusCode, body: body}

		if httpResp.StatusCode >= 500 {
			return resp, fmt.Errorf("strava upstream error: status %d", httpResp.StatusCode)
		}
		if httpResp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		if attempt >= c.maxRetries {
			return resp, fmt.Errorf("rate limit exceeded after %d retries", c.maxRetries)
		}

		retryDelay := c.retryBaseDelay * (1 << attempt)
		if retryAfter := httpResp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds >= 0 {
				retryDelay = time.Duration(seconds) * time.Second
			}
		}
		c.logger.Warn("strava rate limited, retrying",
			zap.Duration("retry_delay", retryDelay),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries))

		timer := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, ctx.Err()
		case <-timer.C:
		}
	}
}

func newBreaker(logger *zap.Logger) *gobreaker.CircuitBreaker[response] {
	metrics.SetCircuitBreakerState(breakerName, 0)
	return gobreaker.NewCircuitBreaker[response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state transition",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.SetCircuitBreakerState(name, stateValue(to))
		},
	})
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
