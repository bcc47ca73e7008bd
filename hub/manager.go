// This file contains the Manager which exposes the hub over HTTP. It checks origins,
// authenticates the handshake before any upgrade, and binds the resulting session to a
// WebSocket or SSE transport.
package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Manager struct {
	hub         *Hub
	options     *Options
	upgrader    websocket.Upgrader
	checkOrigin func(*http.Request) bool
	logger      zerolog.Logger
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		for _, pattern := range opts.AllowedOriginRegexp {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}

// NewManager creates the HTTP front of h.
func NewManager(h *Hub) *Manager {
	checker := createOriginChecker(h.options)

	return &Manager{
		hub:     h,
		options: h.options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  h.options.ReadBufferSize,
			WriteBufferSize: h.options.WriteBufferSize,
			CheckOrigin:     checker,
		},
		checkOrigin: checker,
		logger:      h.options.Logger.With().Str("component", "manager").Logger(),
	}
}

func (m *Manager) Hub() *Hub {
	return m.hub
}

// ServeWS authenticates the request and upgrades it to a WebSocket session. A rejected
// handshake is answered with a JSON error before the upgrade, so no room state is touched.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !m.checkOrigin(r) {
		writeError(w, &Error{Reason: ReasonUnauthenticated, Message: "origin not allowed", Code: StatusForbidden})
		return
	}
	s, err := m.hub.Handshake(r.Context(), CredentialFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}

	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug().Err(err).Msg("websocket upgrade failed")
		s.markClosed()

		return
	}

	conn, err := newConn(m.hub.ctx, wsConn, s.ID, m.options)
	if err != nil {
		_ = wsConn.Close()
		s.markClosed()

		m.options.Metrics.Error("manager", err)

		return
	}
	if err = m.hub.Activate(s, conn); err != nil {
		conn.Close()
		s.markClosed()

		m.logger.Warn().Err(err).Msg("failed to activate websocket session")
	}
}

// ServeSSE authenticates the request and streams the session's events as server-sent
// events. It returns when the session or the request ends.
func (m *Manager) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if !m.checkOrigin(r) {
		writeError(w, &Error{Reason: ReasonUnauthenticated, Message: "origin not allowed", Code: StatusForbidden})
		return
	}
	s, err := m.hub.Handshake(r.Context(), CredentialFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := newSSEConn(sseOptions{
		writer:    w,
		id:        s.ID,
		options:   m.options,
		parentCtx: r.Context(),
	})
	if err != nil {
		s.markClosed()
		writeError(w, err)

		return
	}
	if err = m.hub.Activate(s, conn); err != nil {
		conn.Close()
		s.markClosed()

		m.logger.Warn().Err(err).Msg("failed to activate sse session")

		return
	}
	conn.serve()
}

// PushSSE hands one upstream frame, posted by an SSE client, to the session identified
// by connID. The request must carry the push token issued on that session's stream.
func (m *Manager) PushSSE(w http.ResponseWriter, r *http.Request, connID string) {
	s, err := m.hub.Session(connID)
	if err != nil {
		writeError(w, notFound(connID, "connection not found"))
		return
	}
	conn, ok := s.transport.(*SSEConn)
	if !ok {
		writeError(w, badRequest("", "connection does not use the sse transport"))
		return
	}
	if !conn.authorize(r.Header.Get(PushTokenHeader)) {
		m.logger.Warn().Str("conn", connID).Msg("rejected sse push with a bad token")
		writeError(w, &Error{Reason: ReasonUnauthenticated, Message: "push token mismatch", Code: StatusForbidden})

		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, m.options.MaxMessageSize+1))
	if err != nil {
		writeError(w, badRequest("", "failed to read request body"))
		return
	}
	if err = conn.Push(body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, err error) {
	e := errorPayload(err)

	code := e.Code
	if code == 0 {
		code = StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(e)
}
