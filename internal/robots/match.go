package robots

import (
	"regexp"
	"strings"
	"sync"
)

// Evaluate reports whether agent may fetch path under rs. Allow rules are
// consulted before disallow rules and the default is to allow.
func Evaluate(rs RuleSet, agent, path string) bool {
	if !rs.HasRules {
		return true
	}
	if !rs.AppliesTo(agent) {
		return true
	}
	for _, pattern := range rs.Allow {
		if MatchPath(pattern, path) {
			return true
		}
	}
	for _, pattern := range rs.Disallow {
		if MatchPath(pattern, path) {
			return false
		}
	}
	return true
}

// MatchPath reports whether a robots path pattern matches path.
//
//	"/"        matches only "/"
//	"/admin/*" matches "/admin" and anything below "/admin/"
//	"/a*b"     prefix-anchored wildcard; a trailing "$" anchors the end
//	"/search"  plain prefix
func MatchPath(pattern, path string) bool {
	pattern = normalizePath(pattern)
	path = normalizePath(path)
	if pattern == path {
		return true
	}
	if pattern == "/" {
		return false
	}
	if strings.HasSuffix(pattern, "/*") {
		base := strings.TrimSuffix(pattern, "/*")
		return path == base || strings.HasPrefix(path, base+"/")
	}
	if strings.Contains(pattern, "*") || strings.HasSuffix(pattern, "$") {
		return wildcardPattern(pattern).MatchString(path)
	}
	return strings.HasPrefix(path, pattern)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	return "/" + strings.TrimLeft(p, "/")
}

var compiledPatterns sync.Map

func wildcardPattern(pattern string) *regexp.Regexp {
	if cached, ok := compiledPatterns.Load(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re
		}
	}
	body := pattern
	anchorEnd := strings.HasSuffix(body, "$")
	if anchorEnd {
		body = strings.TrimSuffix(body, "$")
	}
	parts := strings.Split(body, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	expr := "^" + strings.Join(parts, ".*")
	if anchorEnd {
		expr += "$"
	}
	re := regexp.MustCompile(expr)
	compiledPatterns.Store(pattern, re)
	return re
}
