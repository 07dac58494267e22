// Package crm is a small REST client for the CRM platform the pipeline ingests from.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jw6ventures/leadflow/internal/metrics"
	"golang.org/x/time/rate"
)

var (
	ErrUnauthorized = errors.New("crm: unauthorized")
	ErrForbidden    = errors.New("crm: forbidden")
	ErrNotFound     = errors.New("crm: not found")
)

// APIError is a non-2xx response from the CRM.
type APIError struct {
	Operation string
	Status    int
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm %s failed: status=%d message=%s", e.Operation, e.Status, e.Message)
}

// Is maps status codes onto the package sentinels so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

type Options struct {
	BaseURL    string
	Version    string
	HTTPClient *http.Client
	RateLimit  rate.Limit
	Burst      int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client calls the CRM REST API with a caller supplied bearer token per request.
type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://services.leadconnectorhq.com"
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "2021-07-28"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		version:    version,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// BaseURL returns the API root, used to derive the OAuth token endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) GetContact(ctx context.Context, token, id string) (*Contact, error) {
	var resp struct {
		Contact Contact `json:"contact"`
	}
	if err := c.do(ctx, "get_contact", http.MethodGet, "/contacts/"+url.PathEscape(id), token, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Contact, nil
}

func (c *Client) GetUser(ctx context.Context, token, id string) (*User, error) {
	var user User
	if err := c.do(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(id), token, nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) ListLocationUsers(ctx context.Context, token, locationID string) ([]User, error) {
	var resp struct {
		Users []User `json:"users"`
	}
	q := url.Values{"locationId": {locationID}}
	if err := c.do(ctx, "list_location_users", http.MethodGet, "/users/", token, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) ListLocations(ctx context.Context, token string) ([]Location, error) {
	var resp struct {
		Locations []Location `json:"locations"`
	}
	q := url.Values{"limit": {"100"}}
	if err := c.do(ctx, "list_locations", http.MethodGet, "/locations/search", token, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

func (c *Client) ExportMessages(ctx context.Context, token string, query ExportQuery) (*MessagePage, error) {
	q := url.Values{"locationId": {query.LocationID}}
	if query.Channel != "" {
		q.Set("channel", query.Channel)
	}
	if !query.StartDate.IsZero() {
		q.Set("startDate", query.StartDate.UTC().Format(time.RFC3339))
	}
	if !query.EndDate.IsZero() {
		q.Set("endDate", query.EndDate.UTC().Format(time.RFC3339))
	}
	if query.Cursor != "" {
		q.Set("cursor", query.Cursor)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	var page MessagePage
	if err := c.do(ctx, "export_messages", http.MethodGet, "/conversations/messages/export", token, q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) SearchContacts(ctx context.Context, token string, query SearchQuery) (*ContactPage, error) {
	var page ContactPage
	if err := c.do(ctx, "search_contacts", http.MethodPost, "/contacts/search", token, nil, query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) do(ctx context.Context, op, method, path, token string, query url.Values, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("crm %s: encode request: %w", op, err)
		}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Version", c.version)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.ObserveCRMLatency(op, 0, start)
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("crm %s: %w", op, err)
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		metrics.ObserveCRMLatency(op, resp.StatusCode, start)
		if readErr != nil {
			return fmt.Errorf("crm %s: read response: %w", op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("crm %s: decode response: %w", op, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return &APIError{Operation: op, Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
}

func errorMessage(body []byte) string {
	msg := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		switch m := parsed["message"].(type) {
		case string:
			if strings.TrimSpace(m) != "" {
				msg = m
			}
		case []any:
			parts := make([]string, 0, len(m))
			for _, p := range m {
				parts = append(parts, fmt.Sprint(p))
			}
			msg = strings.Join(parts, "; ")
		}
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
