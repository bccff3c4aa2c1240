package monitor

import (
	"net"
	"net/http"
	"net/url"
)

// checkOrigin reports whether the WebSocket connection origin is
// allowed: same-origin, localhost or a private address. The feed carries
// live microphone levels, so arbitrary web pages must not read it.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		s.log.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: invalid origin URL")
		return false
	}

	host := u.Hostname()

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	s.log.Warn().Str("origin", origin).Str("host", host).Msg("Rejected WebSocket connection")
	return false
}
