//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package osmem

// NewMmapProvider falls back to the pure-Go buffer provider on platforms
// golang.org/x/sys/unix does not cover; there is no portable mmap binding
// for them in the pack this module draws from.
func NewMmapProvider() Provider {
	return NewBufferProvider()
}
