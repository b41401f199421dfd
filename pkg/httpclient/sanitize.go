package httpclient

import (
	"net/url"
	"strings"
)

// Worker calls carry credentials in headers, but tokens also show up in
// query strings (WebSocket subscriptions, presigned artifact links). Any
// parameter whose name contains one of these fragments is redacted.
var sensitiveFragments = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"signature",
	"nonce",
	"credential",
}

const redacted = "[REDACTED]"

// sanitizeURL rewrites a URL for logging with sensitive query parameter
// values replaced.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.String()
	}

	clean := url.Values{}
	for param, values := range u.Query() {
		if sensitiveParam(param) {
			clean.Set(param, redacted)
			continue
		}
		clean[param] = values
	}

	safe := *u
	safe.RawQuery = clean.Encode()
	return safe.String()
}

func sensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
