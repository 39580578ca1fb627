package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/countcam/countcam/server/counter"
	"github.com/cyclopcam/www"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Websocket gateway. Each connection is one session: the connection goroutine
// is the session's only worker, so frames are processed strictly in arrival
// order with no extra locking beyond the session mutex.

// Error frame sent to the client when a frame (or its encoding) is rejected.
// The session stays alive.
// SYNC-WS-ERROR-JSON
type wsErrorJSON struct {
	Error    string `json:"error"`
	FrameSeq int64  `json:"frame_seq,omitempty"`
}

func (s *Server) httpWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	clientID := www.QueryValue(r, "clientID")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	// Create the session before upgrading, so a duplicate id is an ordinary
	// HTTP 409 instead of an immediately-dying websocket.
	sess, err := s.createSession(clientID)
	if err != nil {
		if errors.Is(err, counter.ErrDuplicateSession) {
			www.Panic(http.StatusConflict, "session already exists")
		}
		www.Check(err)
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.destroySession(clientID)
		s.Log.Warnf("Websocket upgrade failed for session %v: %v", clientID, err)
		return
	}
	s.Log.Infof("Client %v connected", clientID)

	s.registerWebSocket(conn)
	s.runSession(conn, sess)
}

func (s *Server) runSession(conn *websocket.Conn, sess *counter.Session) {
	defer func() {
		conn.Close()
		s.destroySession(sess.ID)
		s.Log.Infof("Client %v disconnected", sess.ID)
		s.unregisterWebSocket(conn)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.Warnf("Session %v read error: %v", sess.ID, err)
			}
			return
		}

		req := &counter.FrameRequest{}
		if err := json.Unmarshal(data, req); err != nil {
			if werr := conn.WriteJSON(&wsErrorJSON{Error: "bad frame encoding: " + err.Error()}); werr != nil {
				return
			}
			continue
		}

		result, err := s.processFrame(sess, req)
		if err != nil {
			// Per-frame errors skip the frame but keep the session alive.
			if werr := conn.WriteJSON(&wsErrorJSON{Error: err.Error(), FrameSeq: req.Seq}); werr != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(result); err != nil {
			s.Log.Warnf("Session %v write error: %v", sess.ID, err)
			return
		}
	}
}

// httpEventsWebSocket streams crossing events from all sessions to an
// observer (eg a dashboard).
func (s *Server) httpEventsWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warnf("Websocket upgrade failed for event watcher: %v", err)
		return
	}
	s.registerWebSocket(conn)
	defer func() {
		conn.Close()
		s.unregisterWebSocket(conn)
	}()

	events := s.store.AddWatcher()
	defer s.store.RemoveWatcher(events)

	// The reader exists only to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			if err := conn.WriteJSON(&ev); err != nil {
				return
			}
		}
	}
}
