package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("api_key", "secret"),
		attribute.String("http.route", "/*path"),
		attribute.String("accounting.public_path", ""),
		attribute.Int("http.status_code", 200),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "api_key" {
			t.Fatalf("api_key must be dropped")
		}
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New(strings.Repeat("x", 1000)))
	if len(err.Error()) != 256 {
		t.Fatalf("expected 256 chars, got %d", len(err.Error()))
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
