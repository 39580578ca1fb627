package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// We create a unique rate limiter per endpoint, so we don't need
	// httprate.KeyByEndpoint.
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	unprotected("GET", "/api/ping", s.httpPing)
	unprotected("GET", "/api/config", s.httpConfig)

	ratelimited("POST", "/api/session", s.httpSessionCreate, 30, time.Minute)
	unprotected("GET", "/api/session/:id/count", s.httpSessionCount)
	unprotected("POST", "/api/session/:id/frame", s.httpSessionFrame)
	unprotected("DELETE", "/api/session/:id", s.httpSessionDelete)

	unprotected("GET", "/api/ws", s.httpWebSocket)
	unprotected("GET", "/api/events/ws", s.httpEventsWebSocket)

	router.Handler("GET", "/metrics", s.metrics.Handler())

	s.httpRouter = router
}
