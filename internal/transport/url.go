package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// EndpointPath is the provider's WebSocket endpoint path.
const EndpointPath = "/ws"

// ErrMissingBaseURL is returned when no provider base URL is configured.
var ErrMissingBaseURL = errors.New("transport: missing provider base URL")

// ErrUnsupportedScheme is returned for URLs that are neither HTTP(S) nor
// WebSocket URLs.
var ErrUnsupportedScheme = errors.New("transport: unsupported URL scheme")

// ResolveWebSocketURL turns a provider base URL into the WebSocket endpoint
// URL the session client dials. HTTP schemes are normalized to their
// WebSocket equivalents (http -> ws, https -> wss) and the endpoint path is
// appended unless the URL already ends with it.
func ResolveWebSocketURL(base string) (string, error) {
	if base == "" {
		return "", ErrMissingBaseURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse base URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// already a WebSocket URL
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("transport: base URL %q has no host", base)
	}

	if !strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), EndpointPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + EndpointPath
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// IsWebSocketURL reports whether raw parses as a ws:// or wss:// URL. The
// pairing client uses this to reject unsupported URLs before any I/O.
func IsWebSocketURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}
