package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmap-history/pkg/common"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		UserID:    "user-1",
		Roles:     []string{"editor"},
		Owns:      []string{"doc-1"},
		Documents: []string{"doc-2"},
		Plan:      "free",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mindmap",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerifier_Verify(t *testing.T) {
	verifier, err := NewVerifier(VerifierConfig{SecretKey: testSecret, Issuer: "mindmap"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr error
	}{
		{
			name:  "valid token",
			token: func(t *testing.T) string { return sign(t, testSecret, validClaims()) },
		},
		{
			name:  "bearer prefix is accepted",
			token: func(t *testing.T) string { return "Bearer " + sign(t, testSecret, validClaims()) },
		},
		{
			name:    "empty token",
			token:   func(t *testing.T) string { return "" },
			wantErr: ErrMissingToken,
		},
		{
			name: "expired token",
			token: func(t *testing.T) string {
				c := validClaims()
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				return sign(t, testSecret, c)
			},
			wantErr: ErrExpiredToken,
		},
		{
			name:    "wrong secret",
			token:   func(t *testing.T) string { return sign(t, "other-secret", validClaims()) },
			wantErr: ErrInvalidSignature,
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				c := validClaims()
				c.Issuer = "someone-else"
				return sign(t, testSecret, c)
			},
			wantErr: ErrInvalidClaims,
		},
		{
			name: "missing subject",
			token: func(t *testing.T) string {
				c := validClaims()
				c.UserID = ""
				return sign(t, testSecret, c)
			},
			wantErr: ErrInvalidClaims,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			claims, err := verifier.Verify(tt.token(t))

			// Assert
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.UserID)
			assert.Equal(t, []string{"doc-2"}, claims.Documents)
		})
	}
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier(VerifierConfig{})
	assert.Error(t, err)
}

func TestWithClaims_PopulatesContext(t *testing.T) {
	// Arrange
	claims := validClaims()

	// Act
	ctx := WithClaims(context.Background(), &claims)

	// Assert
	got, ok := ClaimsFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-1", got.UserID)
	userID, ok := common.GetUserID(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-1", userID)
	roles, ok := common.GetUserRoles(ctx)
	require.True(t, ok)
	assert.Contains(t, roles, "editor")
}

func TestClaimsAccessChecker(t *testing.T) {
	tests := []struct {
		name     string
		claims   *Claims
		document string
		want     bool
	}{
		{name: "owner", claims: &Claims{UserID: "u", Owns: []string{"doc-1"}}, document: "doc-1", want: true},
		{name: "shared", claims: &Claims{UserID: "u", Documents: []string{"doc-1"}}, document: "doc-1", want: true},
		{name: "admin", claims: &Claims{UserID: "u", Roles: []string{RoleAdmin}}, document: "doc-9", want: true},
		{name: "stranger", claims: &Claims{UserID: "u", Documents: []string{"doc-2"}}, document: "doc-1", want: false},
		{name: "no claims", document: "doc-1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.claims != nil {
				ctx = WithClaims(ctx, tt.claims)
			}

			ok, err := ClaimsAccessChecker{}.CanAccess(ctx, tt.document)

			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestClaimsEntitlementChecker(t *testing.T) {
	tests := []struct {
		name   string
		claims *Claims
		want   bool
	}{
		{name: "free plan", claims: &Claims{UserID: "u", Plan: "free"}, want: false},
		{name: "pro plan", claims: &Claims{UserID: "u", Plan: "pro"}, want: true},
		{name: "team plan", claims: &Claims{UserID: "u", Plan: "team"}, want: true},
		{name: "explicit entitlement", claims: &Claims{UserID: "u", Plan: "free", Entitlements: []string{EntitlementCheckpoints}}, want: true},
		{name: "no claims", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.claims != nil {
				ctx = WithClaims(ctx, tt.claims)
			}

			ok, err := ClaimsEntitlementChecker{}.CanCreateCheckpoint(ctx, "doc-1")

			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
