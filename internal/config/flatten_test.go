package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"http": map[string]any{
			"listen":         ":3001",
			"max_body_bytes": 1024,
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["http.listen"] != ":3001" {
		t.Errorf("expected http.listen=:3001, got %v", got["http.listen"])
	}
	if got["http.max_body_bytes"] != 1024 {
		t.Errorf("expected http.max_body_bytes=1024, got %v", got["http.max_body_bytes"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_DeeplyNested(t *testing.T) {
	m := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": "deep",
			},
		},
	}
	got := Flatten(m)
	if got["a.b.c"] != "deep" {
		t.Errorf("expected a.b.c=deep, got %v", got["a.b.c"])
	}
	if len(got) != 1 {
		t.Errorf("expected 1 key, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMapKept(t *testing.T) {
	got := Flatten(map[string]any{
		"worker": map[string]any{"routes": map[string]any{}},
	})
	routes, ok := got["worker.routes"].(map[string]any)
	if !ok || len(routes) != 0 {
		t.Errorf("expected empty worker.routes leaf, got %#v", got["worker.routes"])
	}
}

func TestUnflatten_Nested(t *testing.T) {
	flat := map[string]any{
		"relay.turn_timeout":  "10m",
		"relay.cleanup_grace": "5s",
		"log_level":           "info",
	}
	got := Unflatten(flat)
	relay, ok := got["relay"].(map[string]any)
	if !ok {
		t.Fatalf("expected relay to be map, got %T", got["relay"])
	}
	if relay["turn_timeout"] != "10m" {
		t.Errorf("expected relay.turn_timeout=10m, got %v", relay["turn_timeout"])
	}
	if relay["cleanup_grace"] != "5s" {
		t.Errorf("expected relay.cleanup_grace=5s, got %v", relay["cleanup_grace"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
}

func TestUnflatten_EmptyLeafDoesNotClobberBranch(t *testing.T) {
	got := Unflatten(map[string]any{
		"worker.routes":         map[string]any{},
		"worker.routes.claude-": "run-claude",
	})
	worker := got["worker"].(map[string]any)
	routes, ok := worker["routes"].(map[string]any)
	if !ok {
		t.Fatalf("expected routes map, got %T", worker["routes"])
	}
	if routes["claude-"] != "run-claude" {
		t.Errorf("route lost: %#v", routes)
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir": "/home/test/.toolrelay",
		"worker": map[string]any{
			"command":        "pnpm dev",
			"max_concurrent": 4,
		},
	}

	restored := Unflatten(Flatten(original))
	if restored["data_dir"] != original["data_dir"] {
		t.Errorf("data_dir mismatch: %v != %v", restored["data_dir"], original["data_dir"])
	}
	worker := restored["worker"].(map[string]any)
	if worker["command"] != "pnpm dev" {
		t.Errorf("worker.command mismatch: %v", worker["command"])
	}
	if worker["max_concurrent"] != 4 {
		t.Errorf("worker.max_concurrent mismatch: %v", worker["max_concurrent"])
	}
}

func TestIsSecretKey(t *testing.T) {
	for key, want := range map[string]bool{
		"worker.api_key":                  true,
		"auth.token":                      true,
		"db.password":                     true,
		"worker.env.OPENAI_API_KEY":       true,
		"worker.env.ANTHROPIC_AUTH_TOKEN": true,
		"worker.env.PATH":                 false,
		"http.listen":                     false,
		"worker.command":                  false,
		"relay.turn_timeout":              false,
	} {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"http.listen":    ":3001",
		"worker.api_key": "sk-test123456",
		"x.token":        "abc",
		"y.token":        "",
	}
	got := MaskSecrets(flat)
	if got["http.listen"] != ":3001" {
		t.Errorf("non-secret changed: %v", got["http.listen"])
	}
	if got["worker.api_key"] != "***3456" {
		t.Errorf("expected ***3456, got %v", got["worker.api_key"])
	}
	if got["x.token"] != "***abc" {
		t.Errorf("expected ***abc, got %v", got["x.token"])
	}
	if got["y.token"] != "" {
		t.Errorf("expected empty value kept, got %v", got["y.token"])
	}
	if flat["worker.api_key"] != "sk-test123456" {
		t.Error("MaskSecrets must not modify its input")
	}
}
