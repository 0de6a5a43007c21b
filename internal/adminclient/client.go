// Package adminclient is a client for the moderation service's HTTP API,
// used by moderator tooling.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/blackmichael/adgate/internal/domain"
)

const defaultBaseURL = "http://localhost:3000"

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Type       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (status %d, %s): %s", e.StatusCode, e.Type, e.Message)
}

// Client calls the moderation API on behalf of a moderator.
type Client struct {
	baseURL    string
	moderator  string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL acting as
// moderator. If baseURL is empty, it defaults to http://localhost:3000.
func NewClient(baseURL, moderator string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:   baseURL,
		moderator: moderator,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Evaluate runs automated moderation for the listing.
func (c *Client) Evaluate(ctx context.Context, listingID string) (*domain.Decision, error) {
	var d domain.Decision
	if err := c.do(ctx, http.MethodPost, listingPath(listingID, "evaluate"), nil, &d); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return &d, nil
}

// Moderate applies a moderator action: approve, reject, block or activate.
func (c *Client) Moderate(ctx context.Context, listingID, action, reason string) (*domain.Decision, error) {
	if c.moderator == "" {
		return nil, fmt.Errorf("moderator identity is required")
	}
	body := map[string]string{
		"moderator": c.moderator,
		"action":    action,
		"reason":    reason,
	}
	var d domain.Decision
	if err := c.do(ctx, http.MethodPost, listingPath(listingID, "moderation"), body, &d); err != nil {
		return nil, fmt.Errorf("moderate: %w", err)
	}
	return &d, nil
}

// History returns the listing's attempt history.
func (c *Client) History(ctx context.Context, listingID string) (*domain.AttemptHistory, error) {
	var h domain.AttemptHistory
	if err := c.do(ctx, http.MethodGet, listingPath(listingID, "attempts"), nil, &h); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &h, nil
}

// ResetAttempts archives the listing's open attempts and returns how many
// were archived.
func (c *Client) ResetAttempts(ctx context.Context, listingID string) (int64, error) {
	if c.moderator == "" {
		return 0, fmt.Errorf("moderator identity is required")
	}
	var resp struct {
		Archived int64 `json:"archived"`
	}
	body := map[string]string{"moderator": c.moderator}
	if err := c.do(ctx, http.MethodPost, listingPath(listingID, "attempts/reset"), body, &resp); err != nil {
		return 0, fmt.Errorf("reset attempts: %w", err)
	}
	return resp.Archived, nil
}

func listingPath(listingID, action string) string {
	return "/listings/" + url.PathEscape(listingID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
