package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipReturnsFallbacks(t *testing.T) {
	c := New("http://unused", true, time.Second)
	assert.Empty(t, c.Text(context.Background(), "i", "in", 50))
	assert.Nil(t, c.Advise(context.Background(), "i", "in", 50))
	assert.True(t, c.Health(context.Background()))
}

func TestTextRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/text", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "explain", body["instructions"])
		json.NewEncoder(w).Encode(map[string]string{"text": "Room fits the cohort"})
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	assert.Equal(t, "Room fits the cohort", c.Text(context.Background(), "explain", "{}", 50))
}

func TestTextAbsorbsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	assert.Empty(t, c.Text(context.Background(), "i", "in", 50))
}

func TestTextAbsorbsUnreachableHost(t *testing.T) {
	c := New("http://127.0.0.1:1", false, 200*time.Millisecond)
	assert.Empty(t, c.Text(context.Background(), "i", "in", 50))
}

func TestAdviseParsesShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/json", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"conflict_summary": "No rooms at 10:00",
			"admin_next_steps": []string{"Try 14:00"},
			"improved_suggestions": []map[string]string{
				{"start_time": "14:00:00", "end_time": "15:00:00", "notes": "Afternoon is free"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	advice := c.Advise(context.Background(), "i", "in", 300)
	require.NotNil(t, advice)
	assert.Equal(t, "No rooms at 10:00", advice.Summary)
	assert.Equal(t, []string{"Try 14:00"}, advice.NextSteps)
	require.Len(t, advice.Suggestions, 1)
	assert.Equal(t, "14:00:00", advice.Suggestions[0].StartTime)
}

func TestAdviseRejectsEmptyShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unrelated": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	assert.Nil(t, c.Advise(context.Background(), "i", "in", 300))
}

func TestAdviseRejectsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	assert.Nil(t, c.Advise(context.Background(), "i", "in", 300))
}

func TestAdviseClampsOversizedResponse(t *testing.T) {
	longSummary := strings.Repeat("x", 1000)
	steps := make([]string, 20)
	for i := range steps {
		steps[i] = "step"
	}
	stubs := make([]map[string]string, 20)
	for i := range stubs {
		stubs[i] = map[string]string{"notes": "n"}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"conflict_summary":     longSummary,
			"admin_next_steps":     steps,
			"improved_suggestions": stubs,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	advice := c.Advise(context.Background(), "i", "in", 300)
	require.NotNil(t, advice)
	assert.Len(t, advice.Summary, 240)
	assert.Len(t, advice.NextSteps, 6)
	assert.Len(t, advice.Suggestions, 6)
}

func TestAdviseClampKeepsValidUTF8(t *testing.T) {
	// 239 single-byte chars followed by a two-byte rune straddling the
	// 240-byte boundary.
	summary := strings.Repeat("a", 239) + "éx"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"conflict_summary": summary})
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	advice := c.Advise(context.Background(), "i", "in", 300)
	require.NotNil(t, advice)
	assert.True(t, utf8.ValidString(advice.Summary))
	assert.Equal(t, strings.Repeat("a", 239), advice.Summary)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
	}))
	defer srv.Close()

	c := New(srv.URL, false, time.Second)
	assert.True(t, c.Health(context.Background()))

	srv.Close()
	assert.False(t, c.Health(context.Background()))
}
