package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	envAPIKeys = "FLOWLOG_API_KEYS"
	envAPIKey  = "FLOWLOG_API_KEY"

	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "flowlog-api-key"
)

// AuthContext identifies the caller of a request.
type AuthContext struct {
	APIKey      string
	PrincipalID string
}

type authContextKey struct{}

// AuthProvider authenticates HTTP requests, including websocket upgrades.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	if auth, ok := r.Context().Value(authContextKey{}).(*AuthContext); ok {
		return auth
	}
	return nil
}

func principal(r *http.Request) string {
	if auth := authFromRequest(r); auth != nil {
		return auth.PrincipalID
	}
	return ""
}

// apiKeyMiddleware enforces API key auth on /api/ routes and injects the
// auth context.
func apiKeyMiddleware(auth AuthProvider, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		authCtx, err := auth.AuthenticateHTTP(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// APIKeyAuth checks X-API-Key (or the websocket subprotocol) against a
// fixed key set. With no keys configured every request is admitted.
type APIKeyAuth struct {
	keys map[string]struct{}
}

// NewAPIKeyAuthFromEnv loads keys from FLOWLOG_API_KEYS (comma list, or a
// JSON array of {"key": ...}) and FLOWLOG_API_KEY. It returns nil when
// neither is set.
func NewAPIKeyAuthFromEnv() (*APIKeyAuth, error) {
	keys := map[string]struct{}{}
	if raw := strings.TrimSpace(os.Getenv(envAPIKeys)); raw != "" {
		parsed, err := parseAPIKeys(raw)
		if err != nil {
			return nil, err
		}
		for _, k := range parsed {
			keys[k] = struct{}{}
		}
	}
	if single := normalizeAPIKey(os.Getenv(envAPIKey)); single != "" {
		keys[single] = struct{}{}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &APIKeyAuth{keys: keys}, nil
}

func NewAPIKeyAuth(keys ...string) *APIKeyAuth {
	a := &APIKeyAuth{keys: map[string]struct{}{}}
	for _, k := range keys {
		if k = normalizeAPIKey(k); k != "" {
			a.keys[k] = struct{}{}
		}
	}
	return a
}

func (a *APIKeyAuth) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	principalID := strings.TrimSpace(r.Header.Get("X-Principal-Id"))
	if a == nil || len(a.keys) == 0 {
		return &AuthContext{APIKey: key, PrincipalID: principalID}, nil
	}
	if key == "" {
		return nil, errors.New("api key required")
	}
	if _, ok := a.keys[key]; !ok {
		return nil, errors.New("invalid api key")
	}
	return &AuthContext{APIKey: key, PrincipalID: principalID}, nil
}

func parseAPIKeys(raw string) ([]string, error) {
	if strings.HasPrefix(raw, "[") {
		var entries []struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
		}
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			if k := normalizeAPIKey(e.Key); k != "" {
				out = append(out, k)
			}
		}
		return out, nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if k := normalizeAPIKey(part); k != "" {
			out = append(out, k)
		}
	}
	return out, nil
}

func normalizeAPIKey(key string) string {
	// .env files often quote values.
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(key), "\"'"))
}

// apiKeyFromWebSocket reads the key browsers cannot send as a header: either
// the subprotocol after "flowlog-api-key", or "flowlog-api-key.<key>".
func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	prefix := wsAPIKeyProtocol + "."
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}
