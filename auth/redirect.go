package auth

import "strings"

// ValidateNextURLIsLocal returns nextURL if it is a local absolute path, and
// "/" otherwise. Scheme-relative ("//host") and backslash forms are rejected
// since browsers treat them as another origin.
func ValidateNextURLIsLocal(nextURL string) string {
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") {
		return "/"
	}
	if strings.ContainsAny(nextURL, "\\\r\n\t") {
		return "/"
	}
	return nextURL
}
