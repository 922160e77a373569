package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/cdmorrow/vigil/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenManager issues and validates the session-side JWTs: access, refresh,
// and the short-lived MFA challenge token handed out between the password
// step and the code step of a login. Every token carries a type claim; each
// consumer accepts exactly one type.
type TokenManager struct {
	secret          string
	accessExpiry    time.Duration
	refreshExpiry   time.Duration
	challengeExpiry time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessExpiry, refreshExpiry, challengeExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:          secret,
		accessExpiry:    accessExpiry,
		refreshExpiry:   refreshExpiry,
		challengeExpiry: challengeExpiry,
	}
}

// GenerateAccessToken creates a short-lived access token with a jti claim
func (tm *TokenManager) GenerateAccessToken(userID uuid.UUID, email string) (string, error) {
	return tm.generate(models.TokenTypeAccess, userID, email, tm.accessExpiry)
}

// GenerateRefreshToken creates a long-lived refresh token with a jti claim
func (tm *TokenManager) GenerateRefreshToken(userID uuid.UUID, email string) (string, error) {
	return tm.generate(models.TokenTypeRefresh, userID, email, tm.refreshExpiry)
}

// GenerateChallengeToken creates the token that authorizes only the second
// step of an MFA login. The auth middleware rejects it everywhere else.
func (tm *TokenManager) GenerateChallengeToken(userID uuid.UUID, email string) (string, error) {
	return tm.generate(models.TokenTypeMFAChallenge, userID, email, tm.challengeExpiry)
}

// AccessExpiry exposes the access token lifetime for response envelopes
func (tm *TokenManager) AccessExpiry() time.Duration {
	return tm.accessExpiry
}

// RefreshExpiry exposes the refresh token lifetime for cookie max-age
func (tm *TokenManager) RefreshExpiry() time.Duration {
	return tm.refreshExpiry
}

// ChallengeExpiry exposes the challenge token lifetime for response envelopes
func (tm *TokenManager) ChallengeExpiry() time.Duration {
	return tm.challengeExpiry
}

func (tm *TokenManager) generate(tokenType string, userID uuid.UUID, email string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &models.TokenClaims{
		Type:   tokenType,
		UserID: userID.String(),
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := signClaims(tm.secret, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return signed, nil
}

// ValidateToken verifies signature and standard claims and returns the parsed
// claims. Expired tokens surface as models.ErrTokenExpired; anything else
// that fails verification is models.ErrUnauthorized.
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	return parseHMACClaims(tm.secret, tokenString)
}

// ValidateTokenOfType validates and additionally gates on the type claim.
// A well-formed token of the wrong type is models.ErrTokenScope, never a
// pass: this is what keeps challenge and reset tokens out of ordinary
// authenticated endpoints.
func (tm *TokenManager) ValidateTokenOfType(tokenString, tokenType string) (*models.TokenClaims, error) {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Type != tokenType {
		return nil, fmt.Errorf("token type %q where %q required: %w", claims.Type, tokenType, models.ErrTokenScope)
	}

	return claims, nil
}

// SubjectID parses the user ID carried by a set of validated claims
func SubjectID(claims *models.TokenClaims) (uuid.UUID, error) {
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed user id in token: %w", models.ErrUnauthorized)
	}
	return id, nil
}

func signClaims(secret string, claims *models.TokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseHMACClaims(secret, tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", models.ErrTokenExpired)
		}
		return nil, fmt.Errorf("failed to parse token: %w", models.ErrUnauthorized)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type == "" {
		return nil, fmt.Errorf("missing type claim: %w", models.ErrUnauthorized)
	}

	return claims, nil
}
