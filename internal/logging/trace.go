package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey struct{}

// RequestIDHeader carries a request ID in and out of the gateway.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLen caps IDs taken from callers; they end up in every log line.
const maxRequestIDLen = 64

// NewRequestID returns 16 random hex characters.
func NewRequestID() string {
	var buf [8]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// RequestIDFromHeader returns the caller's ID if it is short and made of
// [A-Za-z0-9._-]; anything else is replaced by a fresh ID.
func RequestIDFromHeader(v string) string {
	if v == "" || len(v) > maxRequestIDLen {
		return NewRequestID()
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return NewRequestID()
		}
	}
	return v
}

// WithRequestID attaches id to ctx, generating one when id is empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewRequestID()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// GetRequestID returns the ID attached by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
