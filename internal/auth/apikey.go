// Package auth guards the HTTP and gRPC APIs with a static API key and signs
// short-lived links to page images.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// APIKeyHeader is the metadata key for API key authentication
	APIKeyHeader = "x-api-key"

	// HTTPAPIKeyHeader is the HTTP header carrying the API key.
	HTTPAPIKeyHeader = "X-API-Key"
)

// APIKeyInterceptor checks a single configured API key. An empty key disables
// the check.
type APIKeyInterceptor struct {
	apiKey      string
	skipMethods map[string]bool
	skipPaths   map[string]bool
	pageLinks   *PageLinkSigner
}

// NewAPIKeyInterceptor creates a new API key interceptor
func NewAPIKeyInterceptor(apiKey string) *APIKeyInterceptor {
	return &APIKeyInterceptor{
		apiKey: apiKey,
		skipMethods: map[string]bool{
			// Health check endpoints
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
		},
		skipPaths: map[string]bool{
			"/healthz": true,
			"/readyz":  true,
		},
	}
}

// WithSkipMethods adds methods to skip authentication
func (i *APIKeyInterceptor) WithSkipMethods(methods ...string) *APIKeyInterceptor {
	for _, method := range methods {
		i.skipMethods[method] = true
	}
	return i
}

// WithPageLinks lets page image requests through when they carry a valid signed
// link token instead of the API key.
func (i *APIKeyInterceptor) WithPageLinks(signer *PageLinkSigner) *APIKeyInterceptor {
	i.pageLinks = signer
	return i
}

// Enabled reports whether a key is configured.
func (i *APIKeyInterceptor) Enabled() bool {
	return i != nil && i.apiKey != ""
}

func (i *APIKeyInterceptor) valid(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(i.apiKey)) == 1
}

// UnaryInterceptor returns a gRPC unary interceptor for API key validation
func (i *APIKeyInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !i.Enabled() || i.skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		apiKey, err := extractAPIKey(ctx)
		if err != nil {
			return nil, err
		}
		if !i.valid(apiKey) {
			return nil, status.Error(codes.Unauthenticated, "invalid API key")
		}

		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor for API key validation
func (i *APIKeyInterceptor) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !i.Enabled() || i.skipMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		apiKey, err := extractAPIKey(ss.Context())
		if err != nil {
			return err
		}
		if !i.valid(apiKey) {
			return status.Error(codes.Unauthenticated, "invalid API key")
		}

		return handler(srv, ss)
	}
}

// Middleware returns an HTTP middleware enforcing the API key. Page image
// requests may present a signed link token in the "token" query parameter.
func (i *APIKeyInterceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !i.Enabled() || i.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(HTTPAPIKeyHeader))
		if key == "" {
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				key = strings.TrimSpace(bearer)
			}
		}
		if key != "" && i.valid(key) {
			next.ServeHTTP(w, r)
			return
		}

		if token := r.URL.Query().Get("token"); token != "" && i.pageLinks != nil {
			if claims, err := i.pageLinks.Verify(token); err == nil && claims.Matches(r.URL.Path) {
				next.ServeHTTP(w, r.WithContext(withPageLink(r.Context(), claims)))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid or missing API key"}`))
	})
}

// extractAPIKey extracts the API key from gRPC metadata
func extractAPIKey(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get(APIKeyHeader)
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing API key")
	}

	apiKey := strings.TrimSpace(values[0])
	if apiKey == "" {
		return "", status.Error(codes.Unauthenticated, "empty API key")
	}

	return apiKey, nil
}
