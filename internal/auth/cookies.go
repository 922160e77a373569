package auth

import (
	"net/http"
	"time"
)

// CookieConfig holds cookie settings for the refresh token transport.
// Browser clients opt in via config; API clients keep using the JSON body.
type CookieConfig struct {
	Enabled bool
	Domain  string // Empty string = current host only
	Secure  bool   // HTTPS only
}

// NewCookieConfig derives cookie settings from the runtime environment.
// Production always marks cookies Secure.
func NewCookieConfig(enabled bool, domain, env string) CookieConfig {
	return CookieConfig{
		Enabled: enabled,
		Domain:  domain,
		Secure:  env == "production",
	}
}

// SetRefreshTokenCookie sets a refresh token in an httpOnly cookie.
// SameSite is always Strict: the refresh endpoint is same-origin only, which
// is what makes the cookie transport safe without a CSRF token.
func SetRefreshTokenCookie(w http.ResponseWriter, refreshToken string, maxAge int, config CookieConfig) {
	if !config.Enabled {
		return
	}
	cookie := &http.Cookie{
		Name:     "refresh_token",
		Value:    refreshToken,
		Path:     "/api/v1/auth",
		Domain:   config.Domain,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		MaxAge:   maxAge,
		HttpOnly: true, // Critical: prevents JavaScript access (XSS protection)
		Secure:   config.Secure,
		SameSite: http.SameSiteStrictMode,
	}
	http.SetCookie(w, cookie)
}

// ClearRefreshTokenCookie clears the refresh token cookie
func ClearRefreshTokenCookie(w http.ResponseWriter, config CookieConfig) {
	if !config.Enabled {
		return
	}
	cookie := &http.Cookie{
		Name:     "refresh_token",
		Value:    "",
		Path:     "/api/v1/auth",
		Domain:   config.Domain,
		MaxAge:   -1, // Negative MaxAge deletes the cookie
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteStrictMode,
	}
	http.SetCookie(w, cookie)
}

// GetRefreshTokenCookie retrieves the refresh token from cookies
func GetRefreshTokenCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie("refresh_token")
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
