package handlers

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"platform-api/internal/models"
)

// Auth cookie names.
const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

// twoPartTLDs lists multi-label public suffixes that a naive "last two
// labels" rule would get wrong: shop.example.co.kr registers under
// example.co.kr, not co.kr.
var twoPartTLDs = map[string]struct{}{
	"co.kr":  {},
	"or.kr":  {},
	"ne.kr":  {},
	"go.kr":  {},
	"co.jp":  {},
	"ne.jp":  {},
	"or.jp":  {},
	"co.uk":  {},
	"org.uk": {},
	"ac.uk":  {},
	"com.au": {},
	"net.au": {},
	"org.au": {},
	"com.br": {},
	"com.cn": {},
	"com.tw": {},
	"co.in":  {},
	"co.nz":  {},
	"com.sg": {},
	"com.mx": {},
}

// registrableDomain reduces a host to its registrable domain. IPs and
// single-label hosts (localhost) come back unchanged.
func registrableDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if net.ParseIP(host) != nil {
		return host
	}

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}

	suffix := strings.Join(labels[len(labels)-2:], ".")
	if _, ok := twoPartTLDs[suffix]; ok {
		if len(labels) >= 3 {
			return strings.Join(labels[len(labels)-3:], ".")
		}
		return host
	}
	return suffix
}

// isCrossOrigin reports whether the request's Origin lands on a different
// registrable domain than the API host. Cross-origin clients cannot rely on
// cookies, so token delivery falls back to the response body.
func isCrossOrigin(c *gin.Context) bool {
	origin := c.GetHeader("Origin")
	if origin == "" {
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return registrableDomain(parsed.Host) != registrableDomain(c.Request.Host)
}

type cookiePolicy struct {
	domain string
	secure bool
}

// setAuthCookies writes the httpOnly token cookies. The refresh cookie is
// scoped to the auth endpoints only.
func (p cookiePolicy) setAuthCookies(c *gin.Context, pair *models.TokenPair) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		Domain:   p.domain,
		Expires:  pair.AccessExpiresAt,
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    pair.RefreshToken,
		Path:     "/api/v1/auth",
		Domain:   p.domain,
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearAuthCookies expires both token cookies
func (p cookiePolicy) clearAuthCookies(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    "",
		Path:     "/",
		Domain:   p.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    "",
		Path:     "/api/v1/auth",
		Domain:   p.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
