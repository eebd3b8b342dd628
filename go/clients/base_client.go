package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// TokenSource supplies the bearer token for requests and renews it on 401
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) error
}

// APIError is a non-2xx response from the remote API
type APIError struct {
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API returned status code: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API returned status code: %d, response: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the session is no longer usable
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

type BaseClient struct {
	baseURL string
	client  *resty.Client
	tokens  TokenSource
}

func NewBaseClient(baseURL string) *BaseClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(30 * time.Second)
	client.SetHeader("Accept", "application/json")

	return &BaseClient{
		baseURL: baseURL,
		client:  client,
	}
}

func (c *BaseClient) SetHeader(key, value string) {
	c.client.SetHeader(key, value)
}

func (c *BaseClient) SetTimeout(timeout time.Duration) {
	c.client.SetTimeout(timeout)
}

// SetTokenSource attaches the session used for Authorization headers
func (c *BaseClient) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// MakeRequest sends a request and returns the raw body of a 2xx response.
// A 401 triggers one token refresh and one retry; a second 401 or a failed
// refresh is returned as an *APIError with StatusCode 401.
func (c *BaseClient) MakeRequest(ctx context.Context, method, endpoint string, query map[string]string, body interface{}) ([]byte, error) {
	resp, err := c.execute(ctx, method, endpoint, query, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() == http.StatusUnauthorized && c.tokens != nil {
		log.Debug().Str("endpoint", endpoint).Msg("access token rejected, refreshing")
		if refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
			log.Warn().Err(refreshErr).Str("endpoint", endpoint).Msg("token refresh failed")
			return nil, &APIError{
				StatusCode: http.StatusUnauthorized,
				Message:    "session expired",
				Err:        refreshErr,
			}
		}

		resp, err = c.execute(ctx, method, endpoint, query, body)
		if err != nil {
			return nil, err
		}
	}

	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), resp.Body())
	}

	return resp.Body(), nil
}

func (c *BaseClient) execute(ctx context.Context, method, endpoint string, query map[string]string, body interface{}) (*resty.Response, error) {
	req := c.client.R().SetContext(ctx)
	if c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			req.SetAuthToken(token)
		}
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(body)
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}

func (c *BaseClient) Get(ctx context.Context, endpoint string, query map[string]string) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodGet, endpoint, query, nil)
}

func (c *BaseClient) Post(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodPost, endpoint, nil, body)
}

func (c *BaseClient) Delete(ctx context.Context, endpoint string) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodDelete, endpoint, nil, nil)
}
