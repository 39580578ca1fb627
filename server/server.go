package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/countcam/countcam/pkg/track"
	"github.com/countcam/countcam/server/config"
	"github.com/countcam/countcam/server/counter"
	"github.com/countcam/countcam/server/metrics"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log logs.Log

	cfg     *config.Config
	store   *counter.Store
	engine  *counter.Counter
	metrics *metrics.Metrics

	// Per-session track-id assigners, only populated when cfg.AssignTrackIDs.
	// The assigner runs outside the session lock, so it gets its own.
	assignersLock sync.Mutex
	assigners     map[string]*sessionTracker

	// Live websocket connections. Upgraded connections are hijacked from the
	// http.Server, so Shutdown must close them itself.
	wsLock   sync.Mutex
	wsConns  map[*websocket.Conn]bool
	wsWaiter sync.WaitGroup

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
}

type sessionTracker struct {
	lock     sync.Mutex
	assigner *track.Assigner
}

func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	opts, err := cfg.CounterOptions()
	if err != nil {
		return nil, err
	}
	engine, err := counter.NewCounter(logger, opts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Log:       logger,
		cfg:       cfg,
		engine:    engine,
		metrics:   metrics.New(),
		assigners: map[string]*sessionTracker{},
		wsConns:   map[*websocket.Conn]bool{},
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.store = counter.NewStore(logger, cfg.SessionIdleTimeout(), s.onSessionDestroyed)
	s.setupHttpRoutes()
	return s, nil
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

func (s *Server) ListenHTTP() error {
	addr := fmt.Sprintf(":%v", s.cfg.Port)
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
		}
	}
	s.closeAllWebSockets()
	s.store.Close()
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}

func (s *Server) registerWebSocket(conn *websocket.Conn) {
	s.wsLock.Lock()
	s.wsConns[conn] = true
	s.wsLock.Unlock()
	s.wsWaiter.Add(1)
}

func (s *Server) unregisterWebSocket(conn *websocket.Conn) {
	s.wsLock.Lock()
	delete(s.wsConns, conn)
	s.wsLock.Unlock()
	s.wsWaiter.Done()
}

// closeAllWebSockets force-closes every live websocket and waits for their
// handlers to finish, so their sessions are destroyed before the store goes
// away.
func (s *Server) closeAllWebSockets() {
	s.wsLock.Lock()
	n := len(s.wsConns)
	for conn := range s.wsConns {
		conn.Close()
	}
	s.wsLock.Unlock()
	if n > 0 {
		s.Log.Infof("Closed %v websocket connections", n)
	}
	s.wsWaiter.Wait()
}

// createSession makes a new live session, plus its tracker when the built-in
// track-id assigner is enabled.
func (s *Server) createSession(id string) (*counter.Session, error) {
	sess, err := s.store.Create(id)
	if err != nil {
		return nil, err
	}
	if s.cfg.AssignTrackIDs {
		s.assignersLock.Lock()
		s.assigners[id] = &sessionTracker{assigner: track.NewAssigner(s.Log, track.DefaultOptions())}
		s.assignersLock.Unlock()
	}
	s.metrics.SessionsTotal.Inc()
	s.metrics.ActiveSessions.Set(float64(s.store.NumSessions()))
	return sess, nil
}

// destroySession discards a session. Idempotent. The session's tracker and
// the metrics gauge are cleaned up by onSessionDestroyed, which the store
// calls for every removal, including idle reaps.
func (s *Server) destroySession(id string) {
	s.store.Destroy(id)
}

func (s *Server) onSessionDestroyed(id string) {
	s.metrics.ActiveSessions.Set(float64(s.store.NumSessions()))
	s.assignersLock.Lock()
	delete(s.assigners, id)
	s.assignersLock.Unlock()
}

// processFrame runs one frame through the optional track-id assigner and the
// counting engine, then publishes crossings and bumps metrics.
func (s *Server) processFrame(sess *counter.Session, req *counter.FrameRequest) (*counter.FrameResult, error) {
	if req.Seq == 0 {
		// Clients that don't number their frames get server-side numbering.
		req.Seq = sess.NextSeq()
	}
	if s.cfg.AssignTrackIDs {
		s.assignersLock.Lock()
		tracker := s.assigners[sess.ID]
		s.assignersLock.Unlock()
		if tracker != nil {
			tracker.lock.Lock()
			tracker.assigner.Assign(req.Detections, req.Width, req.Height, req.Seq)
			tracker.lock.Unlock()
		}
	}
	result, err := s.engine.ProcessFrame(sess, req)
	if err != nil {
		if errors.Is(err, counter.ErrUninitializedFrame) {
			s.metrics.FramesSkipped.Inc()
		}
		return nil, err
	}
	s.metrics.FramesProcessed.Inc()
	s.metrics.DetectionsAccepted.Add(float64(len(result.Detections)))
	s.metrics.DetectionsRejected.Add(float64(len(result.Rejected)))
	s.metrics.VehiclesCounted.Add(float64(len(result.Crossings)))
	s.store.PublishCrossings(result.Crossings)
	return result, nil
}
