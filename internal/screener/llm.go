package screener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/adgate/internal/domain"
)

const (
	defaultLLMEndpoint = "https://api.anthropic.com/v1/messages"
	defaultLLMModel    = "claude-sonnet-4-20250514"
)

// LLMConfig configures the LLM screener.
type LLMConfig struct {
	Endpoint string
	APIKey   string
	Model    string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// LLM screens listings with a hosted language model using a messages API.
type LLM struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewLLM creates an LLM screener.
func NewLLM(cfg LLMConfig) (*LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("screener API key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultLLMEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaultLLMModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &LLM{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
	}, nil
}

// Screen asks the model for a verdict on the listing.
func (c *LLM) Screen(ctx context.Context, req domain.ScreenRequest) (domain.Verdict, error) {
	text, err := c.callAPI(ctx, buildPrompt(req))
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("api call: %w", err)
	}
	return parseVerdict(text)
}

func buildPrompt(req domain.ScreenRequest) string {
	var sb strings.Builder

	sb.WriteString("You moderate car listings on a classifieds marketplace. Judge the listing below. Return JSON only.\n\n")
	sb.WriteString("Title: ")
	sb.WriteString(req.Title)
	sb.WriteString("\nPrice: ")
	sb.WriteString(strconv.FormatFloat(req.Price, 'f', -1, 64))
	sb.WriteString("\nDescription:\n")
	sb.WriteString(req.Description)
	sb.WriteString("\n")

	if len(req.Attributes) > 0 {
		keys := make([]string, 0, len(req.Attributes))
		for k := range req.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nAttributes:\n")
		for _, k := range keys {
			sb.WriteString("- ")
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(req.Attributes[k])
			sb.WriteString("\n")
		}
	}

	sb.WriteString(`
Return a JSON object with this structure:
{
  "outcome": "approved" | "needs_review" | "rejected",
  "confidence": 0.9,
  "violated_categories": ["profanity"],
  "flagged_spans": [{"original": "offending text", "replacement": "o*******g text"}],
  "reason": "short explanation in the language of the listing",
  "suggestions": ["how the owner can fix the listing"]
}

Rules:
- "rejected" for scams, prohibited goods, hate speech or explicit content
- "needs_review" for borderline language, contact details in the text or implausible prices
- "approved" otherwise, with empty categories, spans and suggestions
- flagged_spans must quote the listing text exactly
- confidence is 0.0-1.0

Return ONLY the JSON, no other text.`)

	return sb.String()
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *LLM) callAPI(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("api error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return apiResp.Content[0].Text, nil
}

func parseVerdict(resp string) (domain.Verdict, error) {
	// Models sometimes wrap JSON in markdown fences.
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	resp = strings.TrimSpace(resp)

	var v domain.Verdict
	if err := json.Unmarshal([]byte(resp), &v); err != nil {
		return domain.Verdict{}, fmt.Errorf("parse json: %w (response: %s): %w", err, resp, domain.ErrScreenerUnavailable)
	}
	if !v.Outcome.Valid() {
		return domain.Verdict{}, fmt.Errorf("unknown outcome %q: %w", v.Outcome, domain.ErrScreenerUnavailable)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return domain.Verdict{}, fmt.Errorf("confidence %v out of range: %w", v.Confidence, domain.ErrScreenerUnavailable)
	}
	return v, nil
}
