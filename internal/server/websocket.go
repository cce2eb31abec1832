// Package server provides WebSocket terminal handler.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/workspace/node-agent/internal/metrics"
	"github.com/workspace/node-agent/internal/pty"
)

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
// Buffer sizes are configurable via environment variables.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			// Wildcard allows all - only for development
			return true
		}
		if allowed == origin {
			// Exact match
			return true
		}
		// Check for wildcard subdomain pattern (e.g., "https://*.example.com")
		if strings.Contains(allowed, "*") {
			if matchWildcardOrigin(origin, allowed) {
				return true
			}
		}
	}
	log.Printf("WebSocket origin rejected: %s (allowed: %v)", origin, s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	// Split pattern at wildcard
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0] // e.g., "https://"
	suffix := parts[1] // e.g., ".example.com"

	// Origin must start with prefix and end with suffix
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	if strings.Contains(middle, "/") {
		return false
	}

	return true
}

// wsViewer adapts a WebSocket connection into the io.Writer a pty.Session
// treats as its live-output viewer, serializing every frame through the
// connection's shared write mutex and wrapping it in the wire protocol
// defined in messages.go. sessionID is empty for the single-session
// terminal endpoint, which omits it from outgoing frames.
type wsViewer struct {
	conn      *websocket.Conn
	writeMu   *sync.Mutex
	sessionID string
}

func (v *wsViewer) Write(p []byte) (int, error) {
	v.writeMu.Lock()
	err := v.conn.WriteMessage(websocket.TextMessage, NewOutputMessage(v.sessionID, string(p)))
	v.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleTerminalWS handles WebSocket connections for terminal access.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	// Check authentication
	session := s.sessionManager.GetSessionFromRequest(r)
	if session == nil {
		// Try to get token from query param (for initial connection)
		token := r.URL.Query().Get("token")
		if token != "" {
			claims, err := s.jwtValidator.Validate(token)
			if err != nil {
				log.Printf("WebSocket auth failed: %v", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			// Create session for this connection
			session, err = s.sessionManager.CreateSession(claims)
			if err != nil {
				log.Printf("Failed to create session: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Upgrade to WebSocket with origin validation
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.WithLabelValues("pty").Inc()
	defer metrics.WebSocketConnections.WithLabelValues("pty").Dec()

	// Get terminal size from query params
	rows := 24
	cols := 80
	if r.URL.Query().Get("rows") != "" {
		if err := json.Unmarshal([]byte(r.URL.Query().Get("rows")), &rows); err != nil {
			rows = 24
		}
	}
	if r.URL.Query().Get("cols") != "" {
		if err := json.Unmarshal([]byte(r.URL.Query().Get("cols")), &cols); err != nil {
			cols = 80
		}
	}

	// Create PTY session
	ptySession, err := s.ptyManager.CreateSession(session.UserID, rows, cols)
	if err != nil {
		log.Printf("Failed to create PTY session: %v", err)
		_ = conn.WriteMessage(websocket.TextMessage, NewErrorMessage("", "Failed to create terminal session", err.Error()))
		return
	}
	// Orphan rather than close on disconnect: the session survives the grace
	// period configured on the manager so a dropped connection can resume it.
	defer s.ptyManager.OrphanSession(ptySession.ID)

	// Create mutex for writing to websocket
	var writeMu sync.Mutex

	viewer := &wsViewer{conn: conn, writeMu: &writeMu}

	exited := make(chan struct{})
	ptySession.StartOutputReader(nil, func(sessionID string) {
		close(exited)
	})

	if _, _, err := s.ptyManager.AttachViewer(ptySession.ID, viewer); err != nil {
		log.Printf("Failed to attach viewer to session %s: %v", ptySession.ID, err)
	}

	// Send session ID to client, after the replay performed by AttachViewer
	// so the client's own "session" handler runs before any backlog arrives.
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, NewSessionCreatedMessage(ptySession.ID, ptySession.Cmd.Dir, ""))
	writeMu.Unlock()

	// Handle WebSocket messages
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			break
		}

		msg, err := ParseMessage(message)
		if err != nil {
			log.Printf("Invalid message format: %v", err)
			continue
		}

		switch msg.Type {
		case MessageTypeInput:
			input, err := ParseInputMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid input data: %v", err)
				continue
			}
			if _, err := ptySession.Write([]byte(input.Data)); err != nil {
				log.Printf("PTY write error: %v", err)
				break
			}

		case MessageTypeResize:
			resize, err := ParseResizeMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid resize data: %v", err)
				continue
			}
			if err := ptySession.Resize(resize.Rows, resize.Cols); err != nil {
				log.Printf("PTY resize error: %v", err)
			}

		case MessageTypePing:
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, NewPongMessage(""))
			writeMu.Unlock()

		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}

	s.ptyManager.DetachViewer(ptySession.ID, viewer)

	// If the process had already exited, there's nothing to reattach to.
	select {
	case <-exited:
		_ = s.ptyManager.CloseSession(ptySession.ID)
	default:
	}
}

// handleMultiTerminalWS handles WebSocket connections for multiple terminal sessions.
// This is an enhanced version that supports the multi-terminal protocol.
func (s *Server) handleMultiTerminalWS(w http.ResponseWriter, r *http.Request) {
	// Check authentication
	session := s.sessionManager.GetSessionFromRequest(r)
	if session == nil {
		// Try to get token from query param (for initial connection)
		token := r.URL.Query().Get("token")
		if token != "" {
			claims, err := s.jwtValidator.Validate(token)
			if err != nil {
				log.Printf("WebSocket auth failed: %v", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			// Create session for this connection
			session, err = s.sessionManager.CreateSession(claims)
			if err != nil {
				log.Printf("Failed to create session: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Upgrade to WebSocket
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	metrics.WebSocketConnections.WithLabelValues("pty").Inc()
	defer metrics.WebSocketConnections.WithLabelValues("pty").Dec()

	// Sessions this connection is currently viewing, keyed by session ID, and
	// the exact viewer instance it attached with — needed to tell, at
	// disconnect time, whether a session was taken over by another
	// connection in the meantime (in which case it must not be re-orphaned).
	ptySessions := make(map[string]*pty.Session)
	viewers := make(map[string]*wsViewer)
	var psMu sync.RWMutex

	var writeMu sync.Mutex

	send := func(payload []byte) {
		writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, payload)
		writeMu.Unlock()
	}

	// On disconnect, orphan every session this connection still owns the
	// viewer for rather than closing it — a later reattach_session from a
	// new connection can pick each one back up within the manager's grace
	// period. Sessions already taken over by a different connection are
	// left alone so this disconnect can't clobber that connection's view.
	defer func() {
		psMu.Lock()
		var ids []string
		for id, ptySession := range ptySessions {
			if ptySession.CurrentViewer() == viewers[id] {
				ids = append(ids, id)
			}
		}
		psMu.Unlock()
		s.ptyManager.OrphanSessions(ids)
	}()

	// attach starts forwarding a session's live output (and, for a brand new
	// session, its backlog — empty here but exercised identically on
	// reattach) to this connection, registering it for input/resize routing.
	attach := func(ptySession *pty.Session, sessionID string) error {
		viewer := &wsViewer{conn: conn, writeMu: &writeMu, sessionID: sessionID}
		_, _, err := s.ptyManager.AttachViewer(sessionID, viewer)
		if err != nil {
			return err
		}

		psMu.Lock()
		ptySessions[sessionID] = ptySession
		viewers[sessionID] = viewer
		psMu.Unlock()

		return nil
	}

	onSessionExit := func(sessionID string) {
		psMu.Lock()
		delete(ptySessions, sessionID)
		psMu.Unlock()
		_ = s.ptyManager.CloseSession(sessionID)
		send(NewSessionClosedMessage(sessionID, ClosureReasonProcessExit, 0))
	}

	// Handle WebSocket messages
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			break
		}

		msg, err := ParseMessage(message)
		if err != nil {
			log.Printf("Invalid message format: %v", err)
			continue
		}

		switch msg.Type {
		case MessageTypeCreateSession:
			createData, err := ParseCreateSessionMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid create session data: %v", err)
				continue
			}

			ptySession, err := s.ptyManager.CreateSessionWithID(
				createData.SessionID,
				session.UserID,
				createData.Rows,
				createData.Cols,
				createData.WorkDir,
			)
			if err != nil {
				log.Printf("Failed to create PTY session: %v", err)
				send(NewErrorMessage(createData.SessionID, err.Error(), ""))
				continue
			}
			if createData.Name != "" {
				_ = s.ptyManager.SetSessionName(createData.SessionID, createData.Name)
			}

			ptySession.StartOutputReader(nil, onSessionExit)
			if err := attach(ptySession, createData.SessionID); err != nil {
				log.Printf("Failed to attach viewer to session %s: %v", createData.SessionID, err)
			}

			send(NewSessionCreatedMessage(createData.SessionID, ptySession.Cmd.Dir, ""))

		case MessageTypeReattachSession:
			reattachData, err := ParseReattachSessionMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid reattach session data: %v", err)
				continue
			}

			ptySession := s.ptyManager.GetSession(reattachData.SessionID)
			if ptySession == nil {
				send(NewErrorMessage(reattachData.SessionID, "session not found", ""))
				continue
			}
			if reattachData.Rows > 0 && reattachData.Cols > 0 {
				_ = ptySession.Resize(reattachData.Rows, reattachData.Cols)
			}
			if err := attach(ptySession, reattachData.SessionID); err != nil {
				send(NewErrorMessage(reattachData.SessionID, err.Error(), ""))
				continue
			}

			send(NewSessionReattachedMessage(reattachData.SessionID, ptySession.Cmd.Dir, ""))

		case MessageTypeListSessions:
			infos := s.ptyManager.GetActiveSessionsForUser(session.UserID)
			listed := make([]SessionInfo, 0, len(infos))
			for _, info := range infos {
				listed = append(listed, SessionInfo{
					SessionID:        info.ID,
					Name:             info.Name,
					Status:           info.Status,
					WorkingDirectory: info.WorkingDirectory,
					CreatedAt:        info.CreatedAt,
					LastActivityAt:   info.LastActivityAt,
				})
			}
			send(NewSessionListMessage(listed))

		case MessageTypeCloseSession:
			closeData, err := ParseCloseSessionMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid close session data: %v", err)
				continue
			}

			psMu.Lock()
			_, exists := ptySessions[closeData.SessionID]
			delete(ptySessions, closeData.SessionID)
			psMu.Unlock()

			if exists {
				_ = s.ptyManager.CloseSession(closeData.SessionID)
			}

			send(NewSessionClosedMessage(closeData.SessionID, ClosureReasonUserRequested, 0))

		case MessageTypeInput:
			sessionID := msg.SessionID
			if sessionID == "" {
				sessionID = soleSessionID(ptySessions, &psMu)
			}

			input, err := ParseInputMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid input data: %v", err)
				continue
			}

			psMu.RLock()
			ptySession, exists := ptySessions[sessionID]
			psMu.RUnlock()

			if exists {
				if _, err := ptySession.Write([]byte(input.Data)); err != nil {
					log.Printf("PTY write error: %v", err)
				}
			}

		case MessageTypeResize:
			sessionID := msg.SessionID
			if sessionID == "" {
				sessionID = soleSessionID(ptySessions, &psMu)
			}

			resize, err := ParseResizeMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid resize data: %v", err)
				continue
			}

			psMu.RLock()
			ptySession, exists := ptySessions[sessionID]
			psMu.RUnlock()

			if exists {
				if err := ptySession.Resize(resize.Rows, resize.Cols); err != nil {
					log.Printf("PTY resize error: %v", err)
				}
			}

		case MessageTypeRenameSession:
			renameData, err := ParseRenameSessionMessage(msg.Data)
			if err != nil {
				log.Printf("Invalid rename session data: %v", err)
				continue
			}

			if err := s.ptyManager.SetSessionName(renameData.SessionID, renameData.Name); err != nil {
				send(NewErrorMessage(renameData.SessionID, err.Error(), ""))
				continue
			}

			send(NewSessionRenamedMessage(renameData.SessionID, renameData.Name))

		case MessageTypePing:
			send(NewPongMessage(msg.SessionID))

		default:
			log.Printf("Unknown message type: %s", msg.Type)
		}
	}
}

// soleSessionID returns the one active session ID for backward compatibility
// with clients that omit sessionId on input/resize when only one session
// has been created.
func soleSessionID(sessions map[string]*pty.Session, mu *sync.RWMutex) string {
	mu.RLock()
	defer mu.RUnlock()
	for id := range sessions {
		return id
	}
	return ""
}
