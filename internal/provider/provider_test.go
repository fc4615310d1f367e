package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firetask/firetask/internal/config"
)

func TestResolve_EnvWins(t *testing.T) {
	t.Setenv("OLLAMA_URL", "http://x")

	cfg := config.DefaultConfig()
	cfg.Providers = map[string]config.ProviderConfig{
		"ollama": {URL: "http://from-config"},
	}

	if got := Resolve("ollama", &cfg); got != "http://x" {
		t.Errorf("Resolve = %q, want %q (environment wins)", got, "http://x")
	}
}

func TestResolve_ConfigOverDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = map[string]config.ProviderConfig{
		"ollama": {URL: "http://from-config"},
	}

	if got := Resolve("ollama", &cfg); got != "http://from-config" {
		t.Errorf("Resolve = %q, want config value", got)
	}
}

func TestResolve_Default(t *testing.T) {
	if got := Resolve("ollama", nil); got != "http://localhost:11434/api/generate" {
		t.Errorf("Resolve = %q, want built-in default", got)
	}
	if got := Resolve("openai", nil); got != "https://api.openai.com/v1/completions" {
		t.Errorf("Resolve = %q, want built-in default", got)
	}
	if got := Resolve("nonsense", nil); got != "" {
		t.Errorf("Resolve unknown provider = %q, want empty", got)
	}
}

func TestEnsureProviders(t *testing.T) {
	cfg := config.DefaultConfig()

	if err := EnsureProviders(&cfg, []string{"ollama", "openai"}); err != nil {
		t.Errorf("known providers should resolve, got %v", err)
	}

	err := EnsureProviders(&cfg, []string{"ollama", "mystery"})
	if err == nil {
		t.Fatal("expected error for unresolvable provider")
	}
	if want := "missing provider URL for: mystery"; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestPostWithRetries_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(3, time.Millisecond, slog.Default())
	_, err := c.PostWithRetries(context.Background(), srv.URL, map[string]string{"a": "b"}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
}

func TestPostWithRetries_StopsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(5, time.Millisecond, slog.Default())
	raw, err := c.PostWithRetries(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("PostWithRetries failed: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2 (no further attempts after success)", got)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("raw = %s", raw)
	}
}

func TestPostWithRetries_IncreasingDelay(t *testing.T) {
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(3, 30*time.Millisecond, slog.Default())
	_, _ = c.PostWithRetries(context.Background(), srv.URL, nil, nil)

	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	if gap2 <= gap1 {
		t.Errorf("delays should strictly increase: gap1=%v gap2=%v", gap1, gap2)
	}
}

func TestDispatch_Ollama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "llama3" || req["prompt"] != "hi" {
			t.Errorf("unexpected request body: %v", req)
		}
		w.Write([]byte(`{"response":"hello back","done":true}`))
	}))
	defer srv.Close()

	c := NewClient(1, 0, slog.Default())
	resp, err := c.Dispatch(context.Background(), "ollama", srv.URL, "llama3", "hi")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Text != "hello back" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello back")
	}
	if len(resp.Raw) == 0 {
		t.Error("Raw should carry the original document")
	}
}

func TestDispatch_SchemeAdded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(1, 0, slog.Default())
	// Strip the scheme; Dispatch should add http:// back.
	resp, err := c.Dispatch(context.Background(), "ollama", srv.URL[len("http://"):], "m", "p")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q, want %q", resp.Text, "ok")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantText    string
		wantChoices int
	}{
		{"openai text choices", `{"choices":[{"text":"abc"}]}`, "abc", 1},
		{"openai chat choices", `{"choices":[{"message":{"content":"chat"}}]}`, "chat", 1},
		{"ollama response", `{"response":"rsp"}`, "rsp", 0},
		{"plain text field", `{"text":"plain"}`, "plain", 0},
		{"output field", `{"output":"out"}`, "out", 0},
		{"opaque", `{"something":"else"}`, "", 0},
		{"not an object", `[1,2,3]`, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Normalize(json.RawMessage(tt.raw))
			if resp.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", resp.Text, tt.wantText)
			}
			if len(resp.Choices) != tt.wantChoices {
				t.Errorf("len(Choices) = %d, want %d", len(resp.Choices), tt.wantChoices)
			}
			if string(resp.Raw) != tt.raw {
				t.Errorf("Raw = %s, want %s", resp.Raw, tt.raw)
			}
		})
	}
}
