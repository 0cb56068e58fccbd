package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidClaims is returned when the token claims are invalid
	ErrInvalidClaims = errors.New("invalid token claims")
)

type contextKey string

const pageLinkContextKey contextKey = "page_link"

// PageLinkClaims identify one page image of one index generation.
type PageLinkClaims struct {
	jwt.RegisteredClaims
	IndexName  string `json:"idx"`
	DocumentID int    `json:"doc"`
	PageNumber int    `json:"page"`
}

// Matches reports whether path is the image path the claims were issued for.
func (c *PageLinkClaims) Matches(path string) bool {
	return path == PagePath(c.DocumentID, c.PageNumber)
}

// PagePath is the HTTP path of a page image.
func PagePath(documentID, pageNumber int) string {
	return fmt.Sprintf("/v1/documents/%d/pages/%d.png", documentID, pageNumber)
}

// PageLinkConfig holds configuration for signing page links.
type PageLinkConfig struct {
	Secret        string
	Expiry        time.Duration
	Issuer        string
	SigningMethod jwt.SigningMethod
}

// DefaultPageLinkConfig returns a default page link configuration
func DefaultPageLinkConfig(secret string) *PageLinkConfig {
	return &PageLinkConfig{
		Secret:        secret,
		Expiry:        time.Hour,
		Issuer:        "pagerag",
		SigningMethod: jwt.SigningMethodHS256,
	}
}

// PageLinkSigner issues and verifies signed page image links, so a browser can
// load grounding pages without holding the API key.
type PageLinkSigner struct {
	config *PageLinkConfig
}

// NewPageLinkSigner creates a signer. An empty secret is replaced by a random
// one, which invalidates outstanding links on restart.
func NewPageLinkSigner(config *PageLinkConfig) *PageLinkSigner {
	if config.SigningMethod == nil {
		config.SigningMethod = jwt.SigningMethodHS256
	}
	if config.Expiry <= 0 {
		config.Expiry = time.Hour
	}
	if config.Secret == "" {
		config.Secret = uuid.NewString() + uuid.NewString()
	}
	return &PageLinkSigner{config: config}
}

// Sign returns a token for one page of indexName.
func (s *PageLinkSigner) Sign(indexName string, documentID, pageNumber int) (string, error) {
	now := time.Now()
	claims := &PageLinkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   PagePath(documentID, pageNumber),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.Expiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		IndexName:  indexName,
		DocumentID: documentID,
		PageNumber: pageNumber,
	}

	token := jwt.NewWithClaims(s.config.SigningMethod, claims)
	return token.SignedString([]byte(s.config.Secret))
}

// SignedPath returns the page image path with a signed token appended.
func (s *PageLinkSigner) SignedPath(indexName string, documentID, pageNumber int) (string, error) {
	token, err := s.Sign(indexName, documentID, pageNumber)
	if err != nil {
		return "", err
	}
	return PagePath(documentID, pageNumber) + "?token=" + token, nil
}

// Verify validates a token and returns its claims.
func (s *PageLinkSigner) Verify(tokenString string) (*PageLinkClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PageLinkClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != s.config.SigningMethod.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithIssuer(s.config.Issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*PageLinkClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}

func withPageLink(ctx context.Context, claims *PageLinkClaims) context.Context {
	return context.WithValue(ctx, pageLinkContextKey, claims)
}

// PageLinkFromContext returns the link claims a request was admitted with, if any.
func PageLinkFromContext(ctx context.Context) (*PageLinkClaims, bool) {
	claims, ok := ctx.Value(pageLinkContextKey).(*PageLinkClaims)
	return claims, ok
}
