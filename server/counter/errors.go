package counter

import "errors"

var (
	// ErrUnknownSession is returned when an operation references a session id
	// that is not in the store.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicateSession is returned by Create when the session id is already
	// live. The caller decides whether to treat this as a reconnect.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrUninitializedFrame is returned when a frame with zero width/height
	// arrives before any valid frame has initialized the session. The frame is
	// skipped and no state is mutated.
	ErrUninitializedFrame = errors.New("frame has zero dimensions and session is uninitialized")
)
