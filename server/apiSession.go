package server

import (
	"errors"
	"net/http"

	"github.com/countcam/countcam/server/counter"
	"github.com/cyclopcam/www"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// REST variant of the gateway, for clients that post one detection batch at a
// time instead of holding a websocket open.

const maxFrameBodyBytes = 8 * 1024 * 1024

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}

// SYNC-CONFIG-JSON
type configJSON struct {
	LineFraction      float64  `json:"lineFraction"`
	AllowedClasses    []string `json:"allowedClasses"`
	CountingDirection string   `json:"countingDirection"`
	AssignTrackIDs    bool     `json:"assignTrackIds"`
}

func (s *Server) httpConfig(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	opts := s.engine.Options()
	www.SendJSON(w, &configJSON{
		LineFraction:      opts.LineFraction,
		AllowedClasses:    s.engine.AllowedClasses(),
		CountingDirection: opts.Direction.String(),
		AssignTrackIDs:    s.cfg.AssignTrackIDs,
	})
}

// SYNC-SESSION-CREATE-JSON
type sessionCreateJSON struct {
	SessionID string `json:"session_id"`
}

// httpSessionCreate creates a session. The client may bring its own id with
// ?clientID=; otherwise we mint one. Creating a live id is a 409: the client
// decides whether that means reconnect (delete, then create again).
func (s *Server) httpSessionCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := www.QueryValue(r, "clientID")
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.createSession(id); err != nil {
		if errors.Is(err, counter.ErrDuplicateSession) {
			www.Panic(http.StatusConflict, "session already exists")
		}
		www.Check(err)
	}
	www.SendJSON(w, &sessionCreateJSON{SessionID: id})
}

func (s *Server) getSession(params httprouter.Params) *counter.Session {
	sess, err := s.store.Get(params.ByName("id"))
	if err != nil {
		www.PanicNotFound()
	}
	return sess
}

// httpSessionFrame processes one frame's detection batch and returns the
// FrameResult. Concurrent posts to the same session serialize on the session
// lock; delivering frames in order is the caller's job.
func (s *Server) httpSessionFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSession(params)
	req := &counter.FrameRequest{}
	www.ReadJSON(w, r, req, maxFrameBodyBytes)
	result, err := s.processFrame(sess, req)
	if err != nil {
		if errors.Is(err, counter.ErrUninitializedFrame) {
			www.PanicBadRequestf("frame skipped: %v", err)
		}
		www.Check(err)
	}
	www.SendJSON(w, result)
}

// SYNC-SESSION-COUNT-JSON
type sessionCountJSON struct {
	TotalVehicles int64 `json:"total_vehicles"`
	LineY         int   `json:"line_y"`
	FrameWidth    int   `json:"frame_width"`
	FrameHeight   int   `json:"frame_height"`
}

func (s *Server) httpSessionCount(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSession(params)
	width, height := sess.Dimensions()
	www.SendJSON(w, &sessionCountJSON{
		TotalVehicles: sess.TotalCount(),
		LineY:         sess.LineY(),
		FrameWidth:    width,
		FrameHeight:   height,
	})
}

func (s *Server) httpSessionDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.destroySession(params.ByName("id"))
	www.SendOK(w)
}
