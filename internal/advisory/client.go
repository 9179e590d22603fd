// Package advisory is the port to the external advisory capability. The
// service may be down, slow, or return malformed output at any time; every
// method resolves to a usable zero value instead of an error, so the
// surrounding allocation or scheduling operation can never be failed by it.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	maxSummaryLen  = 240
	maxNextSteps   = 6
	maxSuggestions = 6
)

// SuggestionStub is an advisory-proposed alternative for a failed request.
type SuggestionStub struct {
	StartTime         string `json:"start_time,omitempty"`
	EndTime           string `json:"end_time,omitempty"`
	PreferredBuilding string `json:"preferred_building,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// Advice is the structured advisory response after shape validation.
type Advice struct {
	Summary     string           `json:"conflict_summary"`
	NextSteps   []string         `json:"admin_next_steps"`
	Suggestions []SuggestionStub `json:"improved_suggestions"`
}

// Client calls the advisory microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with the given request timeout. With skip set the
// client never performs network calls and every method returns its fallback.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Text requests a short free-text completion. Returns "" when the service is
// disabled, unreachable, or responds with anything unusable.
func (c *Client) Text(ctx context.Context, instructions, input string, maxTokens int) string {
	if c.Skip {
		return ""
	}
	var out struct {
		Text string `json:"text"`
	}
	if !c.post(ctx, "/v1/text", instructions, input, maxTokens, &out) {
		return ""
	}
	return out.Text
}

// Advise requests structured conflict advice. Returns nil when the service is
// disabled, unreachable, or the response is not shaped like Advice; the
// accepted shape is clamped to bounded sizes.
func (c *Client) Advise(ctx context.Context, instructions, input string, maxTokens int) *Advice {
	if c.Skip {
		return nil
	}
	var out Advice
	if !c.post(ctx, "/v1/json", instructions, input, maxTokens, &out) {
		return nil
	}
	if out.Summary == "" && len(out.NextSteps) == 0 && len(out.Suggestions) == 0 {
		return nil
	}
	out.Summary = clampString(out.Summary, maxSummaryLen)
	if len(out.NextSteps) > maxNextSteps {
		out.NextSteps = out.NextSteps[:maxNextSteps]
	}
	if len(out.Suggestions) > maxSuggestions {
		out.Suggestions = out.Suggestions[:maxSuggestions]
	}
	return &out
}

// clampString cuts s to at most n bytes without splitting a multi-byte rune,
// so clamped output stays valid UTF-8 for storage.
func clampString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut
}

// Health checks if the advisory service is available.
func (c *Client) Health(ctx context.Context) bool {
	if c.Skip {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

func (c *Client) post(ctx context.Context, path, instructions, input string, maxTokens int, out interface{}) bool {
	body, err := json.Marshal(map[string]interface{}{
		"instructions":      instructions,
		"input":             input,
		"max_output_tokens": maxTokens,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}
