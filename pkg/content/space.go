package content

import "errors"

// ErrSpaceUnsupported is returned by platforms where filesystem capacity
// cannot be probed. Callers surface "unknown" instead of a number.
var ErrSpaceUnsupported = errors.New("filesystem space probing not supported on this platform")

// SpaceProber is the platform capability for filesystem capacity queries,
// resolved at build time rather than through runtime probing.
type SpaceProber interface {
	Capacity(path string) (int64, error)
	Usable(path string) (int64, error)
}
