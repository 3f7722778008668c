package rules

import (
	"fmt"
	"strings"
)

// LimitType selects how a non-IP identifier combines with the client IP.
type LimitType string

const (
	// LimitReplaceIP uses the extracted value alone as the identifier.
	LimitReplaceIP LimitType = "replace_ip"
	// LimitCombineWithIP prefixes the extracted value with the client IP.
	LimitCombineWithIP LimitType = "combine_with_ip"
)

// DefaultJWTClaimSeparator joins multi-claim JWT identifiers.
const DefaultJWTClaimSeparator = ":"

// Rule is a rate-limit policy: a path pattern, a fixed-window quota, and an
// identifier strategy. Identifier sources are consulted in a fixed precedence
// order (header, cookie, body, JWT claims, client IP); see the resolver.
type Rule struct {
	ID          string `json:"id"`
	PathPattern string `json:"pathPattern"`

	AllowedRequests int  `json:"allowedRequests"`
	WindowSeconds   int  `json:"windowSeconds"`
	Active          bool `json:"active"`
	Priority        int  `json:"priority"`

	// Leaky-bucket queue for requests over quota.
	QueueEnabled      bool `json:"queueEnabled"`
	MaxQueueSize      int  `json:"maxQueueSize"`
	DelayPerRequestMs int  `json:"delayPerRequestMs"`

	// JWT claim identifier source. Claims are concatenated in order with
	// JWTClaimSeparator. No signature verification is performed: the gateway
	// trusts upstream authentication and only reads the payload structurally.
	JWTEnabled        bool     `json:"jwtEnabled"`
	JWTClaims         []string `json:"jwtClaims,omitempty"`
	JWTClaimSeparator string   `json:"jwtClaimSeparator,omitempty"`

	// Body field identifier source.
	BodyLimitEnabled bool      `json:"bodyLimitEnabled"`
	BodyFieldPath    string    `json:"bodyFieldPath,omitempty"`
	BodyLimitType    LimitType `json:"bodyLimitType,omitempty"`
	BodyContentType  string    `json:"bodyContentType,omitempty"` // overrides the request Content-Type

	// Header identifier source.
	HeaderLimitEnabled bool      `json:"headerLimitEnabled"`
	HeaderName         string    `json:"headerName,omitempty"`
	HeaderLimitType    LimitType `json:"headerLimitType,omitempty"`

	// Cookie identifier source.
	CookieLimitEnabled bool      `json:"cookieLimitEnabled"`
	CookieName         string    `json:"cookieName,omitempty"`
	CookieLimitType    LimitType `json:"cookieLimitType,omitempty"`
}

// ClaimSeparator returns the configured separator or the default.
func (r *Rule) ClaimSeparator() string {
	if r.JWTClaimSeparator == "" {
		return DefaultJWTClaimSeparator
	}
	return r.JWTClaimSeparator
}

// Validate checks the rule invariants.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.PathPattern) == "" {
		return fmt.Errorf("pathPattern is required")
	}
	if r.AllowedRequests < 1 {
		return fmt.Errorf("allowedRequests must be >= 1, got %d", r.AllowedRequests)
	}
	if r.WindowSeconds < 1 {
		return fmt.Errorf("windowSeconds must be >= 1, got %d", r.WindowSeconds)
	}
	if r.QueueEnabled {
		if r.MaxQueueSize < 1 {
			return fmt.Errorf("maxQueueSize must be >= 1 when queueing is enabled")
		}
		if r.DelayPerRequestMs < 1 {
			return fmt.Errorf("delayPerRequestMs must be >= 1 when queueing is enabled")
		}
	}
	if r.JWTEnabled && len(r.JWTClaims) == 0 {
		return fmt.Errorf("jwtClaims must be non-empty when JWT limiting is enabled")
	}
	if r.BodyLimitEnabled {
		if strings.TrimSpace(r.BodyFieldPath) == "" {
			return fmt.Errorf("bodyFieldPath is required when body limiting is enabled")
		}
		if err := validLimitType(r.BodyLimitType); err != nil {
			return fmt.Errorf("bodyLimitType: %w", err)
		}
	}
	if r.HeaderLimitEnabled {
		if strings.TrimSpace(r.HeaderName) == "" {
			return fmt.Errorf("headerName is required when header limiting is enabled")
		}
		if err := validLimitType(r.HeaderLimitType); err != nil {
			return fmt.Errorf("headerLimitType: %w", err)
		}
	}
	if r.CookieLimitEnabled {
		if strings.TrimSpace(r.CookieName) == "" {
			return fmt.Errorf("cookieName is required when cookie limiting is enabled")
		}
		if err := validLimitType(r.CookieLimitType); err != nil {
			return fmt.Errorf("cookieLimitType: %w", err)
		}
	}
	return nil
}

func validLimitType(t LimitType) error {
	switch t {
	case "", LimitReplaceIP, LimitCombineWithIP:
		return nil
	}
	return fmt.Errorf("unknown limit type %q", t)
}

// NeedsBody reports whether matching this rule may require the request body.
func (r *Rule) NeedsBody() bool {
	return r.BodyLimitEnabled && r.BodyFieldPath != ""
}
