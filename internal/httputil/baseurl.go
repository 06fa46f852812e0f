package httputil

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeBaseURL normalizes and validates a base URL used for service-to-service calls
// (vision analyzer endpoints, SUT agent callbacks).
//
// It trims whitespace, removes trailing slashes, validates scheme/host, and disallows
// user info, queries, and fragments.
func NormalizeBaseURL(raw string) (string, *url.URL, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", nil, fmt.Errorf("base URL must not include query or fragment")
	}

	return baseURL, parsed, nil
}
