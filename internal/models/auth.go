package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token type constants. The auth middleware accepts only TokenTypeAccess;
// every other type is scoped to a single dedicated endpoint.
const (
	TokenTypeAccess       = "access"
	TokenTypeRefresh      = "refresh"
	TokenTypeMFAChallenge = "mfa_challenge"
	TokenTypeMFAReset     = "mfa_reset"
)

type TokenClaims struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is a full session: short-lived access token plus rotating refresh token
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginResult is the outcome of a password check. When the account has an
// active (or pending) MFA enrollment, Tokens is nil and ChallengeToken carries
// the short-lived token for the second step.
type LoginResult struct {
	Tokens          *TokenPair
	MFARequired     bool
	SetupIncomplete bool
	ChallengeToken  string
	User            *User
}
