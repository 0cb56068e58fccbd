package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PageLinkFromContext(r.Context()); ok {
			w.Header().Set("X-Page-Link", "1")
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddleware(t *testing.T) {
	signer := NewPageLinkSigner(DefaultPageLinkConfig("link-secret"))
	link, err := signer.SignedPath("idx-1", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	h := NewAPIKeyInterceptor("s3cret").WithPageLinks(signer).Middleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing key", "/v1/ask", nil, http.StatusUnauthorized},
		{"wrong key", "/v1/ask", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header key", "/v1/ask", map[string]string{"X-API-Key": "s3cret"}, http.StatusNoContent},
		{"bearer key", "/v1/ask", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusNoContent},
		{"health is open", "/healthz", nil, http.StatusNoContent},
		{"signed page link", link, nil, http.StatusNoContent},
		{"link for another page", PagePath(2, 4) + link[len(PagePath(2, 3)):], nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestMiddleware_PageLinkInContext(t *testing.T) {
	signer := NewPageLinkSigner(DefaultPageLinkConfig("link-secret"))
	link, _ := signer.SignedPath("idx-1", 0, 0)
	h := NewAPIKeyInterceptor("s3cret").WithPageLinks(signer).Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, link, nil))

	if rec.Header().Get("X-Page-Link") != "1" {
		t.Error("expected the link claims to be available to the handler")
	}
}

func TestMiddleware_DisabledWithoutKey(t *testing.T) {
	h := NewAPIKeyInterceptor("").Middleware(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ask", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected requests to pass when no key is configured, got %d", rec.Code)
	}
}

func TestUnaryInterceptor(t *testing.T) {
	interceptor := NewAPIKeyInterceptor("s3cret").UnaryInterceptor()
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	tests := []struct {
		name   string
		method string
		md     metadata.MD
		want   codes.Code
	}{
		{"no metadata", "/pagerag.v1/Ask", nil, codes.Unauthenticated},
		{"wrong key", "/pagerag.v1/Ask", metadata.Pairs(APIKeyHeader, "nope"), codes.Unauthenticated},
		{"valid key", "/pagerag.v1/Ask", metadata.Pairs(APIKeyHeader, "s3cret"), codes.OK},
		{"health skipped", "/grpc.health.v1.Health/Check", nil, codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, handler)
			if status.Code(err) != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPageLinkSigner(t *testing.T) {
	signer := NewPageLinkSigner(DefaultPageLinkConfig("secret"))
	token, err := signer.Sign("idx-abc", 1, 7)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.IndexName != "idx-abc" || claims.DocumentID != 1 || claims.PageNumber != 7 {
		t.Errorf("unexpected claims %+v", claims)
	}
	if !claims.Matches("/v1/documents/1/pages/7.png") {
		t.Error("expected claims to match their page path")
	}

	other := NewPageLinkSigner(DefaultPageLinkConfig("different"))
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for a foreign signature, got %v", err)
	}
}

func TestPageLinkSigner_Expired(t *testing.T) {
	cfg := DefaultPageLinkConfig("secret")
	cfg.Expiry = -time.Minute
	signer := &PageLinkSigner{config: cfg}

	token, err := signer.Sign("idx", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := signer.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}
