package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxApplicationID ctxKey = iota
	ctxScopes
)

func WithIdentity(ctx context.Context, applicationID string, scopes []string) context.Context {
	ctx = context.WithValue(ctx, ctxApplicationID, applicationID)
	ctx = context.WithValue(ctx, ctxScopes, scopes)
	return ctx
}

func ApplicationID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxApplicationID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("application_id not in context")
}

// Scopes returns the caller's scope set. An authenticated token without
// scopes yields an empty slice, not an error.
func Scopes(ctx context.Context) ([]string, error) {
	v := ctx.Value(ctxScopes)
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return nil, errors.New("scopes not in context")
}
