// Package context carries request-scoped correlation values used by logging
// and tracing.
package context

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	apiKeyKey
	publicPathKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithAPIKey stores a fingerprint of the API key, never the key itself.
func WithAPIKey(ctx context.Context, apiKey string) context.Context {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ctx
	}
	return context.WithValue(ctx, apiKeyKey, Fingerprint(apiKey))
}

func APIKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(apiKeyKey).(string)
	return value
}

func WithPublicPath(ctx context.Context, publicPath string) context.Context {
	publicPath = strings.TrimSpace(publicPath)
	if publicPath == "" {
		return ctx
	}
	return context.WithValue(ctx, publicPathKey, publicPath)
}

func PublicPathFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(publicPathKey).(string)
	return value
}

// Fingerprint returns the first 12 hex chars of the sha256 of value.
func Fingerprint(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}
