// ABOUTME: AccessGuard for public widget endpoints: key format, domain allow-list, rate limit
// ABOUTME: Cheap structural checks run before any store lookup to shed malformed traffic

package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/relaydesk/relaydesk/internal/store"
)

// Machine-readable error codes surfaced to embedding sites.
const (
	CodeInvalidKeyFormat  = "INVALID_KEY_FORMAT"
	CodeInvalidKey        = "INVALID_KEY"
	CodeDomainNotAllowed  = "DOMAIN_NOT_ALLOWED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// GuardError is a rejection with a code the widget can act on programmatically.
type GuardError struct {
	Code    string
	Message string
	ResetIn int // seconds until the window frees up; only set for RATE_LIMIT_EXCEEDED
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two GuardErrors by code so errors.Is works with the sentinels below.
func (e *GuardError) Is(target error) bool {
	var ge *GuardError
	if errors.As(target, &ge) {
		return e.Code == ge.Code
	}
	return false
}

var (
	ErrInvalidKeyFormat = &GuardError{Code: CodeInvalidKeyFormat, Message: "api key format is invalid"}
	ErrInvalidKey       = &GuardError{Code: CodeInvalidKey, Message: "api key is unknown or disabled"}
	ErrDomainNotAllowed = &GuardError{Code: CodeDomainNotAllowed, Message: "request origin is not on the allow-list"}
)

// keyPattern is the structural shape of a widget API key: fixed prefix plus a
// fixed-length hex token. Checked before touching the store.
var keyPattern = regexp.MustCompile(`^rk_[0-9a-f]{32}$`)

// KeyStore is what the guard needs from persistence.
type KeyStore interface {
	GetEmbedKeyBySecret(ctx context.Context, secret string) (*store.EmbedKey, error)
}

// Guard authorizes widget traffic. It never mutates conversation data; its
// only side effect is recording a timestamp in the rate limiter.
type Guard struct {
	keys    KeyStore
	limiter *Limiter
	logger  *slog.Logger
}

// NewGuard creates an AccessGuard. Pass nil logger for default.
func NewGuard(keys KeyStore, limiter *Limiter, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		keys:    keys,
		limiter: limiter,
		logger:  logger.With("component", "access-guard"),
	}
}

// Authorize validates an api key against its domain allow-list and rate limit.
// origin and referer are the raw header values; origin wins when both are set.
// Returns the embed key id on success.
func (g *Guard) Authorize(ctx context.Context, apiKey, origin, referer string) (string, error) {
	if !keyPattern.MatchString(apiKey) {
		return "", ErrInvalidKeyFormat
	}

	key, err := g.keys.GetEmbedKeyBySecret(ctx, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidKey
		}
		return "", fmt.Errorf("looking up embed key: %w", err)
	}
	if !key.Enabled {
		return "", ErrInvalidKey
	}

	if len(key.AllowedDomains) > 0 {
		host := requestHost(origin, referer)
		if !domainAllowed(host, key.AllowedDomains) {
			g.logger.Debug("origin rejected", "key_id", key.ID, "host", host)
			return "", ErrDomainNotAllowed
		}
	}

	if ok, resetIn := g.limiter.Allow(key.ID); !ok {
		g.logger.Debug("rate limit exceeded", "key_id", key.ID, "reset_in", resetIn)
		return "", &GuardError{
			Code:    CodeRateLimitExceeded,
			Message: "too many requests",
			ResetIn: resetIn,
		}
	}

	return key.ID, nil
}

// requestHost extracts the lowercase hostname from the Origin header, falling
// back to Referer. Returns "" when neither parses.
func requestHost(origin, referer string) string {
	for _, raw := range []string{origin, referer} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		return strings.ToLower(u.Hostname())
	}
	return ""
}

// domainAllowed reports whether host matches any allow-list pattern.
// "*.example.com" matches example.com and any dot-suffixed subdomain; every
// other pattern requires exact, case-insensitive equality. Substring matches
// are never allowed: evilexample.com must not pass for example.com.
func domainAllowed(host string, patterns []string) bool {
	if host == "" {
		return false
	}
	for _, pattern := range patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" {
			continue
		}
		if base, ok := strings.CutPrefix(p, "*."); ok {
			if host == base || strings.HasSuffix(host, "."+base) {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}
