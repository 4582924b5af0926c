// Package validation checks user-supplied endpoints before clients are built
// from them.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidationError represents a URL validation failure
type URLValidationError struct {
	Field   string
	Message string
	URL     string
}

func (e URLValidationError) Error() string {
	return fmt.Sprintf("%s: %s (url: %s)", e.Field, e.Message, e.URL)
}

// ValidateURL checks that urlString is an absolute http(s) URL with a host.
// With requireHTTPS, plain http is accepted only for loopback hosts so local
// fakes and proxies keep working.
func ValidateURL(urlString, fieldName string, requireHTTPS bool) error {
	fail := func(msg string) error {
		return URLValidationError{Field: fieldName, Message: msg, URL: urlString}
	}
	if urlString == "" {
		return fail("required")
	}

	u, err := url.Parse(urlString)
	if err != nil {
		return fail("invalid URL format")
	}
	if u.Scheme == "" {
		return fail("URL must include a scheme (http:// or https://)")
	}
	if u.Host == "" {
		return fail("URL must include a host")
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if requireHTTPS && !isLoopback(u.Hostname()) {
			return fail("URL must use HTTPS outside localhost")
		}
	default:
		return fail("URL scheme must be http or https")
	}
	return nil
}

// ValidateAPIBaseURL validates the root of a REST API. A path prefix is
// allowed (GitHub Enterprise serves under /api/v3); query parameters,
// fragments and credentials are not, since request paths are appended to it.
func ValidateAPIBaseURL(urlString, fieldName string) error {
	if err := ValidateURL(urlString, fieldName, true); err != nil {
		return err
	}
	u, _ := url.Parse(urlString)

	switch {
	case u.RawQuery != "" || u.ForceQuery:
		return URLValidationError{Field: fieldName, Message: "base URL must not contain query parameters", URL: urlString}
	case u.Fragment != "":
		return URLValidationError{Field: fieldName, Message: "base URL must not contain a fragment", URL: urlString}
	case u.User != nil:
		return URLValidationError{Field: fieldName, Message: "base URL must not embed credentials", URL: "(redacted)"}
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
