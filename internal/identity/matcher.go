// Package identity resolves the two server addressing conventions used
// across devices: a raw server id, or a composite tenant_email_userid where
// the raw id is the final underscore-separated segment.
package identity

import "strings"

// Matcher decides whether an order's owning-server identifier belongs to the
// server the caller selected.
type Matcher interface {
	Matches(selected, owner string) bool
}

// ServerIdentityMatcher implements Matcher by trying raw equality first and
// composite suffix decomposition second, in both directions.
type ServerIdentityMatcher struct{}

// NewMatcher returns the default matcher.
func NewMatcher() ServerIdentityMatcher {
	return ServerIdentityMatcher{}
}

// Matches reports whether the two identifiers name the same server.
func (ServerIdentityMatcher) Matches(selected, owner string) bool {
	selected = strings.TrimSpace(selected)
	owner = strings.TrimSpace(owner)
	if selected == "" || owner == "" {
		return false
	}
	if selected == owner {
		return true
	}
	if compositeSuffix(owner, selected) || compositeSuffix(selected, owner) {
		return true
	}
	return false
}

// compositeSuffix reports whether composite is a tenant_email_userid form
// whose trailing segment equals raw.
func compositeSuffix(composite, raw string) bool {
	if !strings.Contains(composite, "_") {
		return false
	}
	if strings.Contains(raw, "_") {
		return false
	}
	return strings.HasSuffix(composite, "_"+raw)
}
