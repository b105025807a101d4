package logger

import (
	"context"
)

// ContextKey is used for context values
type ContextKey string

const (
	// NamespaceKey is the context key for the session namespace
	NamespaceKey ContextKey = "namespace"
	// DatabaseKey is the context key for the session database
	DatabaseKey ContextKey = "database"
	// ConnectionIDKey is the context key for a pooled connection id
	ConnectionIDKey ContextKey = "connection_id"
)

// WithContextValue adds a value to the context for logging
func WithContextValue(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

// ExtractContextValues extracts logging-relevant values from context
func ExtractContextValues(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}

	var args []any
	for _, key := range []ContextKey{NamespaceKey, DatabaseKey, ConnectionIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	return args
}
