package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/countcam/countcam/pkg/nn"
	"github.com/countcam/countcam/server/config"
	"github.com/countcam/countcam/server/counter"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	cfg := config.Default()
	cfg.SessionIdleTimeoutSeconds = 0
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewServer(logs.NewTestingLog(t), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func carAt(trackID int64, cy int) nn.Detection {
	return nn.Detection{
		Box:        nn.Box{100, cy - 50, 200, cy + 50},
		Class:      "car",
		Confidence: 0.9,
		TrackID:    &trackID,
	}
}

func frame(seq int64, detections ...nn.Detection) *counter.FrameRequest {
	return &counter.FrameRequest{
		Seq:        seq,
		Width:      640,
		Height:     480,
		Detections: detections,
	}
}

func TestWebSocketCounting(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=alpha"), nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(req *counter.FrameRequest) *counter.FrameResult {
		require.NoError(t, conn.WriteJSON(req))
		result := &counter.FrameResult{}
		require.NoError(t, conn.ReadJSON(result))
		return result
	}

	result := send(frame(1, carAt(7, 200)))
	require.Equal(t, int64(0), result.TotalCount)
	require.Equal(t, 240, result.LineY)
	require.Len(t, result.Detections, 1)

	result = send(frame(2, carAt(7, 260)))
	require.Equal(t, int64(1), result.TotalCount)
	require.Len(t, result.Crossings, 1)
	require.Equal(t, "alpha", result.Crossings[0].SessionID)

	result = send(frame(3, carAt(7, 270)))
	require.Equal(t, int64(1), result.TotalCount)
	require.Empty(t, result.Crossings)
}

func TestWebSocketBadFrames(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=bad"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// A zero-dimension frame before initialization is skipped, session stays up
	req := frame(1, carAt(7, 200))
	req.Width, req.Height = 0, 0
	require.NoError(t, conn.WriteJSON(req))
	reply := map[string]any{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Contains(t, reply, "error")

	// Garbage is reported, session stays up
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply = map[string]any{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Contains(t, reply, "error")

	// A valid frame still works
	require.NoError(t, conn.WriteJSON(frame(2, carAt(7, 200))))
	result := &counter.FrameResult{}
	require.NoError(t, conn.ReadJSON(result))
	require.Equal(t, 240, result.LineY)
}

func TestWebSocketDuplicateSession(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=dup"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=dup"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebSocketDisconnectDestroysSession(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=gone"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.store.NumSessions())

	conn.Close()
	require.Eventually(t, func() bool {
		return s.store.NumSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func TestRESTFlow(t *testing.T) {
	_, ts := newTestServer(t, nil)

	// Create
	resp, err := http.Post(ts.URL+"/api/session?clientID=rest1", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, "rest1", created["session_id"])

	// Duplicate create is a conflict
	resp, err = http.Post(ts.URL+"/api/session?clientID=rest1", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Frames
	frameURL := ts.URL + "/api/session/rest1/frame"
	resp = postJSON(t, frameURL, frame(1, carAt(3, 200)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := &counter.FrameResult{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(result))
	resp.Body.Close()
	require.Equal(t, int64(0), result.TotalCount)

	resp = postJSON(t, frameURL, frame(2, carAt(3, 260)))
	result = &counter.FrameResult{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(result))
	resp.Body.Close()
	require.Equal(t, int64(1), result.TotalCount)

	// Count
	resp, err = http.Get(ts.URL + "/api/session/rest1/count")
	require.NoError(t, err)
	count := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	resp.Body.Close()
	require.Equal(t, float64(1), count["total_vehicles"])
	require.Equal(t, float64(240), count["line_y"])

	// Delete, idempotently
	for i := 0; i < 2; i++ {
		req, err := http.NewRequest("DELETE", ts.URL+"/api/session/rest1", nil)
		require.NoError(t, err)
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// Gone now
	resp, err = http.Get(ts.URL + "/api/session/rest1/count")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRESTUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := postJSON(t, ts.URL+"/api/session/nobody/frame", frame(1))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestEventsWebSocket(t *testing.T) {
	_, ts := newTestServer(t, nil)

	events, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/events/ws"), nil)
	require.NoError(t, err)
	defer events.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=watched"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(frame(1, carAt(7, 200))))
	result := &counter.FrameResult{}
	require.NoError(t, conn.ReadJSON(result))
	require.NoError(t, conn.WriteJSON(frame(2, carAt(7, 260))))
	require.NoError(t, conn.ReadJSON(result))
	require.Equal(t, int64(1), result.TotalCount)

	events.SetReadDeadline(time.Now().Add(2 * time.Second))
	ev := &counter.CrossingEvent{}
	require.NoError(t, events.ReadJSON(ev))
	require.Equal(t, "watched", ev.SessionID)
	require.Equal(t, int64(7), ev.TrackID)
}

// With the built-in assigner enabled, detections without track ids still
// produce a count.
func TestAssignTrackIDs(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) { cfg.AssignTrackIDs = true })

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=haar"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// One car moving down through the line in overlapping steps, no ids
	total := int64(0)
	for i := 0; i < 10; i++ {
		cy := 180 + i*20
		req := frame(int64(i+1), nn.Detection{
			Box:        nn.Box{100, cy - 50, 200, cy + 50},
			Class:      "car",
			Confidence: 0.8,
		})
		require.NoError(t, conn.WriteJSON(req))
		result := &counter.FrameResult{}
		require.NoError(t, conn.ReadJSON(result))
		require.Len(t, result.Detections, 1)
		require.NotNil(t, result.Detections[0].TrackID)
		total = result.TotalCount
	}
	require.Equal(t, int64(1), total)
}

// Reaped sessions must release everything the server holds for them, not
// just the store entry: the per-session tracker and the active-sessions gauge
// go through the same teardown as an explicit delete.
func TestIdleReapReleasesSessionState(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AssignTrackIDs = true
		cfg.SessionIdleTimeoutSeconds = 1
	})

	resp, err := http.Post(ts.URL+"/api/session?clientID=sleepy", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/api/session/sleepy/frame", frame(1, carAt(1, 200)))
	resp.Body.Close()

	numAssigners := func() int {
		s.assignersLock.Lock()
		defer s.assignersLock.Unlock()
		return len(s.assigners)
	}
	require.Equal(t, 1, numAssigners())

	require.Eventually(t, func() bool {
		return s.store.NumSessions() == 0 && numAssigners() == 0
	}, 5*time.Second, 50*time.Millisecond, "reaped session should release its tracker")

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Contains(t, string(body), "countcam_active_sessions 0")
}

// Upgraded websockets are hijacked from the http.Server, so Shutdown has to
// close them itself, and their sessions with them.
func TestShutdownClosesWebsockets(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/ws?clientID=doomed"), nil)
	require.NoError(t, err)
	defer conn.Close()

	events, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/events/ws"), nil)
	require.NoError(t, err)
	defer events.Close()

	require.Equal(t, 1, s.store.NumSessions())

	s.Shutdown()

	// Shutdown waits for the connection handlers, so by now both connections
	// are dead and the session is gone.
	require.Equal(t, 0, s.store.NumSessions())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	events.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = events.ReadMessage()
	require.Error(t, err)
}

func TestConfigEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	cfg := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()
	require.Equal(t, 0.5, cfg["lineFraction"])
	require.Equal(t, "topToBottom", cfg["countingDirection"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	// Drive one frame so the counters exist with real values
	resp, err := http.Post(ts.URL+"/api/session?clientID=m", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/api/session/m/frame", frame(1, carAt(1, 200)))
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "countcam_frames_processed_total 1")
	require.Contains(t, string(body), "countcam_active_sessions 1")
}

func TestPing(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/api/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "OK", string(body))
}
