package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// IsCallbackRequest reports whether the request is an OAuth redirect for
// one of this manager's pending server connections. Only GET requests
// whose URL falls under a registered callback URL match.
func (m *Manager) IsCallbackRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return m.matchCallback(r) != ""
}

// HandleCallbackRequest finalizes authentication for the connection whose
// callback URL matches the request. On success the connection is ready
// and its id is returned.
func (m *Manager) HandleCallbackRequest(ctx context.Context, r *http.Request) (string, error) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		return "", errors.New("Unauthorized: no code provided")
	}
	state := q.Get("state")
	if state == "" {
		return "", errors.New("Unauthorized: no state provided")
	}

	id := m.matchCallback(r)
	if id == "" {
		return "", fmt.Errorf("No callback URI match found for the request url: %s", requestURL(r))
	}
	sc := m.get(id)
	if sc == nil {
		return "", fmt.Errorf("No callback URI match found for the request url: %s", requestURL(r))
	}

	if sc.currentState() != StateAuthenticating {
		return "", errors.New("Failed to authenticate: the client isn't in the `authenticating` state")
	}

	if err := m.finalizeAuth(ctx, sc, code, state); err != nil {
		return "", err
	}
	return id, nil
}

// finalizeAuth exchanges the authorization code and re-runs the MCP
// handshake on the now-authorized transport.
func (m *Manager) finalizeAuth(ctx context.Context, sc *serverConn, code, state string) error {
	sc.mu.Lock()
	handler := sc.handler
	verifier := sc.codeVerifier
	sc.mu.Unlock()

	if handler == nil {
		return errors.New("Trying to finalize authentication for a server connection without an authProvider")
	}

	if err := handler.ProcessAuthorizationResponse(ctx, code, state, verifier); err != nil {
		sc.setState(StateFailed)
		m.log.Error("oauth code exchange failed",
			zap.String("server_id", sc.id), zap.Error(err))
		return errors.New("Failed to authenticate: client failed to initialize")
	}

	if err := m.initialize(ctx, sc); err != nil {
		sc.setState(StateFailed)
		m.log.Error("post-auth initialize failed",
			zap.String("server_id", sc.id), zap.Error(err))
		return errors.New("Failed to authenticate: client failed to initialize")
	}

	sc.mu.Lock()
	sc.state = StateReady
	sc.authURL = ""
	sc.codeVerifier = ""
	sc.oauthState = ""
	sc.mu.Unlock()

	m.discover(ctx, sc)
	m.persist(ctx, sc)
	m.log.Info("mcp server authenticated", zap.String("server_id", sc.id))
	return nil
}

// matchCallback returns the server id whose registered callback URL is a
// path prefix of the request, or "" when none match. Matching ignores the
// host so that internal and public hostnames both resolve.
func (m *Manager) matchCallback(r *http.Request) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for cb, id := range m.callbacks {
		parsed, err := url.Parse(cb)
		if err != nil {
			continue
		}
		if strings.HasPrefix(r.URL.Path, parsed.Path) {
			return id
		}
	}
	return ""
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.String()
}
