package ha

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	DefaultPort   = "8123"
	WebsocketPath = "/api/websocket"
)

// WebsocketURL turns a HASS_SERVER value such as "http://homeassistant.local:8123",
// "https://ha.example.com" or a bare "homeassistant.local" into the URL of
// the WebSocket API. The port defaults to 8123 and any path is replaced.
func WebsocketURL(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("empty server address")
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}

	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", server, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid server address %q: missing host", server)
	}

	var scheme string
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server address", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = DefaultPort
	}

	wsURL := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(u.Hostname(), port),
		Path:   WebsocketPath,
	}
	return wsURL.String(), nil
}
