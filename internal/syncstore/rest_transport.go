package syncstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenProvider supplies the bearer token for remote requests.
type TokenProvider func(ctx context.Context) (string, error)

type RESTTransportOptions struct {
	BaseURL string
	// APIKey is sent as the apikey header and doubles as the bearer token
	// when no TokenProvider is configured.
	APIKey        string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// RESTTransport talks to a PostgREST-style collection endpoint: one route per
// collection, merge-upserts via a Prefer header, filters in the query string.
// Transient failures (429 and 5xx) are retried with capped exponential
// backoff, honoring Retry-After.
type RESTTransport struct {
	baseURL       string
	apiKey        string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewRESTTransport(opts RESTTransportOptions) *RESTTransport {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &RESTTransport{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:        strings.TrimSpace(opts.APIKey),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (t *RESTTransport) Probe(ctx context.Context, collection string) error {
	_, err := t.do(ctx, http.MethodGet, collection, "select=id&limit=1", nil, nil)
	return err
}

func (t *RESTTransport) List(ctx context.Context, collection string) (any, error) {
	body, err := t.do(ctx, http.MethodGet, collection, "select=*", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func (t *RESTTransport) Upsert(ctx context.Context, collection string, rows []map[string]any) (any, error) {
	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates,return=representation",
	}
	body, err := t.do(ctx, http.MethodPost, collection, "", rows, headers)
	if err != nil {
		return nil, err
	}
	return decodeBody(body)
}

func (t *RESTTransport) Delete(ctx context.Context, collection, id string) error {
	_, err := t.do(ctx, http.MethodDelete, collection, "id=eq."+url.QueryEscape(id), nil, nil)
	return err
}

func (t *RESTTransport) do(ctx context.Context, method, collection, query string, payload any, headers map[string]string) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("rest transport is nil")
	}
	if strings.TrimSpace(t.baseURL) == "" {
		return nil, fmt.Errorf("rest transport base URL is required")
	}
	collection = strings.Trim(strings.TrimSpace(collection), "/")
	if collection == "" {
		return nil, ErrInvalidInput
	}
	token, err := t.resolveToken(ctx)
	if err != nil {
		return nil, err
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	requestURL := t.baseURL + "/" + collection
	if query != "" {
		requestURL += "?" + query
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if t.apiKey != "" {
			req.Header.Set("apikey", t.apiKey)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if t.userAgent != "" {
			req.Header.Set("User-Agent", t.userAgent)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			if attempt < t.maxRetries {
				if waitErr := sleepContext(ctx, t.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < t.maxRetries {
			if waitErr := sleepContext(ctx, t.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, remoteErrorFromResponse(resp.StatusCode, respBody)
	}
}

func (t *RESTTransport) resolveToken(ctx context.Context) (string, error) {
	if t.tokenProvider == nil {
		return t.apiKey, nil
	}
	token, err := t.tokenProvider(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (t *RESTTransport) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > t.maxDelay {
			return t.maxDelay
		}
		return retryAfter
	}
	delay := t.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= t.maxDelay {
			return t.maxDelay
		}
	}
	if delay > t.maxDelay {
		return t.maxDelay
	}
	return delay
}

// remoteErrorFromResponse lifts a PostgREST-style error body, which carries
// "code" and "message" fields, into a classifiable RemoteError.
func remoteErrorFromResponse(statusCode int, body []byte) *RemoteError {
	remote := &RemoteError{
		StatusCode: statusCode,
		Message:    strings.TrimSpace(string(body)),
	}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			remote.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			remote.Message = strings.TrimSpace(message)
		}
	}
	return remote
}

func decodeBody(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return []any{}, nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return decoded, nil
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
