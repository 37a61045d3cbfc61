package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	ownerIDKey      contextKey = "owner_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
	requestInfoKey  contextKey = "request_info"
)

// requestInfo is installed by Logger before routing. Auth runs on a derived
// context further down the chain, so it records the caller here for the
// outer middleware to read once the handler returns.
type requestInfo struct {
	id        string
	ownerID   uuid.UUID
	keyPrefix string
}

func withRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

// logAttrs returns the caller attributes known so far.
func (i *requestInfo) logAttrs() []any {
	if i == nil {
		return nil
	}
	attrs := []any{"request_id", i.id}
	if i.ownerID != uuid.Nil {
		attrs = append(attrs, "owner_id", i.ownerID.String(), "key_prefix", i.keyPrefix)
	}
	return attrs
}

// RequestID returns the id Logger assigned to the request, or "" outside it.
func RequestID(ctx context.Context) string {
	if info := requestInfoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

func SetOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.ownerID = id
	}
	return context.WithValue(ctx, ownerIDKey, id)
}

func GetOwnerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(ownerIDKey).(uuid.UUID)
	return id, ok
}

func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.keyPrefix = prefix
	}
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func SetScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}
