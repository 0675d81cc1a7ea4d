package rbac

import "strings"

const wildcardSuffix = "/*"

// MatchPage reports whether path equals one of prefixes or continues one of them
// after a "/" boundary. "/users" matches "/users" and "/users/42" but not "/userstuff".
func MatchPage(prefixes []string, path string) bool {
	if path == "" {
		return false
	}
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if path == p {
			return true
		}
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// MatchAPI reports whether endpoint matches one of patterns, either exactly or
// through a trailing "/*" wildcard. The wildcard keeps its "/", so
// "/api/admin/users/*" matches "/api/admin/users/123/edit" but neither
// "/api/admin/userstuff" nor "/api/admin/users".
func MatchAPI(patterns []string, endpoint string) bool {
	if endpoint == "" {
		return false
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if endpoint == p {
			return true
		}
		if strings.HasSuffix(p, wildcardSuffix) {
			base := strings.TrimSuffix(p, "*")
			if strings.HasPrefix(endpoint, base) {
				return true
			}
		}
	}
	return false
}
