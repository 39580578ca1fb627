package counter

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Store owns one live Session per session id. It is the only structure
// touched by more than one session's worker, so Create/Get/Destroy are
// mutually exclusive, but the store lock is never held across ProcessFrame,
// so frame processing on different sessions runs fully in parallel.

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

type Store struct {
	log       logs.Log
	onDestroy func(sessionID string)

	lock     sync.Mutex
	sessions map[string]*Session

	watchersLock sync.RWMutex
	watchers     []chan CrossingEvent

	idleTimeout   time.Duration
	reaperStop    chan struct{}
	reaperStopped chan struct{}
}

// NewStore creates a session store. If idleTimeout is non-zero, a background
// reaper destroys sessions that have not processed a frame for that long.
// onDestroy (optional) is called after a session is removed, whether by an
// explicit Destroy or by the reaper, so the owner can release any per-session
// state it keeps outside the store. It is never called with the store lock held.
func NewStore(log logs.Log, idleTimeout time.Duration, onDestroy func(sessionID string)) *Store {
	s := &Store{
		log:         log,
		onDestroy:   onDestroy,
		sessions:    map[string]*Session{},
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		s.reaperStop = make(chan struct{})
		s.reaperStopped = make(chan struct{})
		go s.reaper()
	}
	return s
}

// Close stops the reaper and discards all sessions.
func (s *Store) Close() {
	if s.reaperStop != nil {
		close(s.reaperStop)
		<-s.reaperStopped
	}
	s.lock.Lock()
	n := len(s.sessions)
	s.sessions = map[string]*Session{}
	s.lock.Unlock()
	if n > 0 {
		s.log.Infof("Session store closed, discarded %v live sessions", n)
	}
}

// Create makes a new session. Creating an id that is already live is
// rejected, never silently reused.
func (s *Store) Create(id string) (*Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, ErrDuplicateSession
	}
	sess := newSession(id, time.Now())
	s.sessions[id] = sess
	s.log.Infof("Session %v created (%v live)", id, len(s.sessions))
	return sess, nil
}

func (s *Store) Get(id string) (*Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sess := s.sessions[id]
	if sess == nil {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// Destroy removes a session and discards its state. Destroying an absent
// session is a no-op. An in-flight ProcessFrame call on the session is
// unaffected; it completes against the detached state, which is then garbage.
func (s *Store) Destroy(id string) {
	s.lock.Lock()
	_, exists := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.lock.Unlock()
	if exists {
		s.log.Infof("Session %v destroyed (%v live)", id, n)
		if s.onDestroy != nil {
			s.onDestroy(id)
		}
	}
}

// NumSessions returns the number of live sessions.
func (s *Store) NumSessions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions)
}

// AddWatcher registers for crossing events from all sessions.
func (s *Store) AddWatcher() chan CrossingEvent {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	ch := make(chan CrossingEvent, WatcherChannelSize)
	s.watchers = append(s.watchers, ch)
	return ch
}

// RemoveWatcher unregisters a channel returned by AddWatcher.
func (s *Store) RemoveWatcher(ch chan CrossingEvent) {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	for i, w := range s.watchers {
		if w == ch {
			s.watchers[i] = s.watchers[len(s.watchers)-1]
			s.watchers = s.watchers[:len(s.watchers)-1]
			return
		}
	}
	s.log.Warnf("Store.RemoveWatcher failed to find channel")
}

// PublishCrossings delivers crossing events to all watchers. If a watcher is
// falling behind we drop events for it, rather than stalling frame
// processing.
func (s *Store) PublishCrossings(events []CrossingEvent) {
	if len(events) == 0 {
		return
	}
	s.watchersLock.RLock()
	for _, ch := range s.watchers {
		for _, ev := range events {
			// SYNC-WATCHER-CHANNEL-SIZE
			if len(ch) >= cap(ch)*9/10 {
				s.log.Warnf("Crossing watcher is falling behind. I am going to drop events.")
				break
			}
			ch <- ev
		}
	}
	s.watchersLock.RUnlock()
}

func (s *Store) reaper() {
	tick := time.NewTicker(s.idleTimeout / 4)
	defer tick.Stop()
	for {
		select {
		case <-s.reaperStop:
			close(s.reaperStopped)
			return
		case <-tick.C:
			s.reapIdle()
		}
	}
}

func (s *Store) reapIdle() {
	cutoff := time.Now().Add(-s.idleTimeout)
	s.lock.Lock()
	stale := []string{}
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.sessions, id)
	}
	s.lock.Unlock()
	for _, id := range stale {
		s.log.Infof("Session %v destroyed after idle timeout", id)
		if s.onDestroy != nil {
			s.onDestroy(id)
		}
	}
}
