package segalloc

import "github.com/segalloc/segalloc/osmem"

// Options configures an Allocator. The zero value is not usable directly;
// construct via NewAllocator, which applies defaultOptions before Option
// overrides, in the functional-options style the rest of the pack uses for
// constructor configuration.
type Options struct {
	segmentSize     uintptr
	secure          bool
	maxCachedSegs   int
	cacheFraction   int
	regionProvider  osmem.Provider
	logger          Logger
	deferredFree    func()
}

// Option mutates Options; see With* constructors below.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		segmentSize:    segmentSize,
		secure:         false,
		maxCachedSegs:  defaultSegmentCacheMax,
		cacheFraction:  defaultSegmentCacheFraction,
		regionProvider: osmem.NewMmapProvider(),
		logger:         noopLogger{},
	}
}

// WithSegmentSize overrides the segment size used for Small/Large segments.
// Must be a power of two no smaller than largePageSize; huge allocations
// always get their own segment, rounded up to a multiple of the default
// segment size, regardless of this setting.
func WithSegmentSize(size uintptr) Option {
	return func(o *Options) { o.segmentSize = size }
}

// WithSecureMode enables cookie-obfuscated free-list next pointers and
// randomized free-list construction (spec §4.4/§9).
func WithSecureMode(on bool) Option {
	return func(o *Options) { o.secure = on }
}

// WithMaxCachedSegments bounds how many freed segments the segment cache
// retains for reuse before segments are returned to the Provider.
func WithMaxCachedSegments(n int) Option {
	return func(o *Options) { o.maxCachedSegs = n }
}

// WithCacheFraction bounds the segment cache to at most peak/n cached
// segments (never fewer than one), where peak is the largest number of
// entries the cache itself has been asked to hold; the bound does not track
// the allocator's overall memory footprint.
func WithCacheFraction(n int) Option {
	return func(o *Options) { o.cacheFraction = n }
}

// WithRegionProvider overrides the OS region backend. Defaults to an
// mmap-backed provider on platforms golang.org/x/sys/unix supports.
func WithRegionProvider(p osmem.Provider) Option {
	return func(o *Options) { o.regionProvider = p }
}

// WithLogger installs a tracing sink for segment/cache/abandon activity.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.logger = logOf(l) }
}

// WithDeferredFree registers the callback invoked once per Collect before
// any page queue is walked (spec §6 register_deferred_free).
func WithDeferredFree(fn func()) Option {
	return func(o *Options) { o.deferredFree = fn }
}
