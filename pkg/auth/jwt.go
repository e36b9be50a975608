package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"mindmap-history/pkg/common"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInvalidClaims    = errors.New("invalid token claims")
)

// RoleAdmin may read and clean up every document
const RoleAdmin = "admin"

// Claims represents the JWT claims issued by the identity provider
type Claims struct {
	UserID string   `json:"sub"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	// Owns lists the documents the user created
	Owns []string `json:"owns,omitempty"`
	// Documents lists the documents shared with the user
	Documents    []string `json:"docs,omitempty"`
	Plan         string   `json:"plan,omitempty"`
	Entitlements []string `json:"entitlements,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// HasEntitlement reports whether the claims carry entitlement
func (c *Claims) HasEntitlement(entitlement string) bool {
	return slices.Contains(c.Entitlements, entitlement)
}

// CanAccessDocument reports whether the user owns the document, has it
// shared or is an admin
func (c *Claims) CanAccessDocument(documentID string) bool {
	if c.HasRole(RoleAdmin) {
		return true
	}
	return slices.Contains(c.Owns, documentID) || slices.Contains(c.Documents, documentID)
}

// VerifierConfig configures token verification
type VerifierConfig struct {
	SecretKey string
	Issuer    string
	Audience  []string
}

// Verifier checks HS256 bearer tokens. Tokens are issued elsewhere.
type Verifier struct {
	secretKey []byte
	issuer    string
	audience  []string
	parser    *jwt.Parser
}

// NewVerifier creates a new token verifier
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key required for HS256")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{
		secretKey: []byte(cfg.SecretKey),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		parser:    jwt.NewParser(opts...),
	}, nil
}

// Verify validates a token and returns its claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secretKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("%w: invalid issuer", ErrInvalidClaims)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}

	if len(v.audience) > 0 {
		valid := false
		for _, aud := range v.audience {
			if slices.Contains(claims.Audience, aud) {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("%w: invalid audience", ErrInvalidClaims)
		}
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user ID", ErrInvalidClaims)
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims stores verified claims in the context along with the user id
// and roles
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, claims)
	ctx = common.WithUserID(ctx, claims.UserID)
	return common.WithUserRoles(ctx, claims.Roles)
}

// ClaimsFromContext returns the claims of the authenticated caller
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}
