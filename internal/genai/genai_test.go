package genai

import (
	"testing"
	"time"
)

func TestNewClient_RequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient(WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.timeout != DefaultCompletionTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultCompletionTimeout, client.timeout)
	}
	if client.model == "" {
		t.Error("expected a default model to be set")
	}
}

func TestNewClient_Options(t *testing.T) {
	client, err := NewClient(
		WithAPIKey("sk-test"),
		WithModel("gpt-4o"),
		WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", client.model)
	}
	if client.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", client.timeout)
	}
}

func TestNewClient_EnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	if _, err := NewClient(); err != nil {
		t.Fatalf("expected env fallback to work, got %v", err)
	}
}
