package context

import (
	"context"
	"testing"
)

func TestAPIKeyIsFingerprinted(t *testing.T) {
	ctx := WithAPIKey(context.Background(), "secret-key")
	got := APIKeyFromContext(ctx)
	if got == "" || got == "secret-key" {
		t.Fatalf("expected fingerprint, got %q", got)
	}
	if len(got) != 12 {
		t.Fatalf("expected 12 chars, got %d", len(got))
	}
	if got != Fingerprint("secret-key") {
		t.Fatalf("fingerprint mismatch")
	}
}

func TestEmptyValuesAreIgnored(t *testing.T) {
	ctx := WithRequestID(context.Background(), "  ")
	if RequestIDFromContext(ctx) != "" {
		t.Fatalf("expected empty request id")
	}
	if APIKeyFromContext(nil) != "" {
		t.Fatalf("expected empty api key for nil context")
	}
}
