//go:build !unix

package content

// unsupportedSpaceProber is the fallback for platforms without a statfs
// equivalent wired in; capacity queries report ErrSpaceUnsupported rather
// than guessing.
type unsupportedSpaceProber struct{}

// NewSpaceProber returns the platform's capacity prober.
func NewSpaceProber() SpaceProber {
	return unsupportedSpaceProber{}
}

func (unsupportedSpaceProber) Capacity(path string) (int64, error) {
	return 0, ErrSpaceUnsupported
}

func (unsupportedSpaceProber) Usable(path string) (int64, error) {
	return 0, ErrSpaceUnsupported
}
