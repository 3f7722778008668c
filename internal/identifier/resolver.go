// Package identifier computes the rate-limit key for a request. Sources are
// consulted in a fixed precedence order (header, cookie, body field, JWT
// claims, client IP) and the first non-empty value wins; a failed source
// falls through silently. The client IP source always succeeds.
package identifier

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/bodybuf"
	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/rules"
)

// Resolver resolves identifiers for matched rules.
type Resolver struct {
	// TrustXForwardedFor admits the first X-Forwarded-For value as the
	// client IP. Leave false unless a trusted proxy sets the header.
	TrustXForwardedFor bool
}

// source is one entry in a rule's precedence chain.
type source struct {
	name    string
	mode    rules.LimitType
	extract func(r *http.Request) string
}

// Resolve returns the identifier for a request under the given rule.
func (rv *Resolver) Resolve(r *http.Request, rule *rules.Rule) string {
	clientIP := rv.ClientIP(r)

	for _, src := range sourcesFor(rule) {
		value := src.extract(r)
		if value == "" {
			logging.Debug("Identifier source empty, falling back",
				zap.String("source", src.name),
				zap.String("rule", rule.ID))
			continue
		}
		if src.mode == rules.LimitCombineWithIP {
			return clientIP + ":" + value
		}
		return value
	}

	return clientIP
}

// ClientIP extracts the client IP from the request.
func (rv *Resolver) ClientIP(r *http.Request) string {
	if rv.TrustXForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sourcesFor builds the enabled precedence chain for a rule.
func sourcesFor(rule *rules.Rule) []source {
	var chain []source

	if rule.HeaderLimitEnabled && rule.HeaderName != "" {
		name := rule.HeaderName
		chain = append(chain, source{
			name: "header",
			mode: rule.HeaderLimitType,
			extract: func(r *http.Request) string {
				return r.Header.Get(name)
			},
		})
	}

	if rule.CookieLimitEnabled && rule.CookieName != "" {
		name := rule.CookieName
		chain = append(chain, source{
			name: "cookie",
			mode: rule.CookieLimitType,
			extract: func(r *http.Request) string {
				if c, err := r.Cookie(name); err == nil {
					return c.Value
				}
				return ""
			},
		})
	}

	if rule.BodyLimitEnabled && rule.BodyFieldPath != "" {
		path := rule.BodyFieldPath
		chain = append(chain, source{
			name: "body",
			mode: rule.BodyLimitType,
			extract: func(r *http.Request) string {
				body, contentType, ok := bodybuf.FromContext(r.Context())
				if !ok || len(body) == 0 {
					return ""
				}
				return extractBodyField(body, contentType, path)
			},
		})
	}

	if rule.JWTEnabled && len(rule.JWTClaims) > 0 {
		claims := rule.JWTClaims
		sep := rule.ClaimSeparator()
		chain = append(chain, source{
			name: "jwt",
			mode: rules.LimitReplaceIP,
			extract: func(r *http.Request) string {
				return jwtIdentifier(r, claims, sep)
			},
		})
	}

	return chain
}

// jwtIdentifier joins the configured claims of the bearer token. The token is
// decoded without signature verification; any missing claim invalidates the
// source.
func jwtIdentifier(r *http.Request, claimNames []string, sep string) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(auth[len(prefix):], claims); err != nil {
		logging.Debug("JWT decode failed", zap.Error(err))
		return ""
	}

	parts := make([]string, 0, len(claimNames))
	for _, name := range claimNames {
		v, ok := claims[name]
		if !ok {
			return ""
		}
		s := claimString(v)
		if s == "" {
			return ""
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, sep)
}

// claimString stringifies a claim value the way rate-limit keys expect.
func claimString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
