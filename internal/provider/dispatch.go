package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Response is the canonical envelope all provider responses are
// normalized into. Raw always carries the unmodified provider document.
type Response struct {
	Text    string            `json:"text,omitempty"`
	Choices []json.RawMessage `json:"choices,omitempty"`
	Raw     json.RawMessage   `json:"raw"`
}

// Client performs provider dispatch with bounded retries.
type Client struct {
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	logger     *slog.Logger
}

// NewClient creates a provider client. retries and backoff bound the
// retry loop of each dispatch; backoff grows linearly with the attempt
// number.
func NewClient(retries int, backoff time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 1 {
		retries = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retries:    retries,
		backoff:    backoff,
		logger:     logger.With("component", "provider"),
	}
}

// Dispatch calls the named provider at url with the given model and
// prompt, and normalizes the response. The openai provider carries a
// bearer token from OPENAI_API_KEY when present.
func (c *Client) Dispatch(ctx context.Context, provider, url, model, prompt string) (*Response, error) {
	if url == "" {
		return nil, fmt.Errorf("no endpoint resolved for provider %q", provider)
	}
	url = ensureScheme(url)

	payload := map[string]any{
		"model":  model,
		"prompt": prompt,
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if provider == "openai" {
		payload["max_tokens"] = 128
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			headers["Authorization"] = "Bearer " + key
		}
	}

	raw, err := c.PostWithRetries(ctx, url, payload, headers)
	if err != nil {
		return nil, err
	}

	resp := Normalize(raw)
	c.logger.Debug("provider dispatch complete",
		"provider", provider,
		"model", model,
		"has_text", resp.Text != "",
	)
	return resp, nil
}

// PostWithRetries POSTs the payload, retrying up to the configured number
// of attempts with linearly increasing delay (backoff * attempt). The
// last attempt's error propagates unchanged when all retries are
// exhausted.
func (c *Client) PostWithRetries(ctx context.Context, url string, payload any, headers map[string]string) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		raw, err := c.post(ctx, url, body, headers)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		c.logger.Warn("provider request failed",
			"url", url,
			"attempt", attempt,
			"error", err,
		)

		if attempt == c.retries {
			break
		}
		select {
		case <-time.After(c.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, url string, body []byte, headers map[string]string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.RawMessage(data), nil
}

// Normalize coerces a raw provider document into the canonical envelope.
// It extracts text from OpenAI-style choices ("text" or
// "message.content") and from Ollama-style "response"/"output"/"text"
// fields, keeping the original document in Raw.
func Normalize(raw json.RawMessage) *Response {
	out := &Response{Raw: raw}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return out
	}

	if rawChoices, ok := doc["choices"]; ok {
		var choices []json.RawMessage
		if err := json.Unmarshal(rawChoices, &choices); err == nil && len(choices) > 0 {
			out.Choices = choices
			out.Text = textFromChoice(choices[0])
		}
	}

	if out.Text == "" {
		for _, key := range []string{"text", "response", "output"} {
			if rawVal, ok := doc[key]; ok {
				var s string
				if err := json.Unmarshal(rawVal, &s); err == nil && s != "" {
					out.Text = s
					break
				}
			}
		}
	}

	return out
}

func textFromChoice(choice json.RawMessage) string {
	var c struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(choice, &c); err != nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	return c.Message.Content
}

func ensureScheme(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return "http://" + url
}
