package segalloc

import "errors"

// Sentinel errors returned by the allocator's public API. The teacher
// (mheap.go) raises these conditions with throw(), which aborts the process;
// a library cannot do that to its host, so each becomes a recoverable error
// that the caller can match with errors.Is.
var (
	// ErrInvalidPointer is returned when a pointer handed to Free, Realloc or
	// UsableSize does not belong to any segment owned by the allocator it was
	// passed to.
	ErrInvalidPointer = errors.New("segalloc: pointer not owned by this allocator")

	// ErrCorruptPage is returned when a pointer resolves to a block slot past
	// its page's carved capacity, a slot the page never handed out.
	ErrCorruptPage = errors.New("segalloc: corrupt page metadata")

	// ErrOverflow is returned by ReallocArray/ReallocnArray/AllocAligned when
	// the requested count*size or alignment computation would overflow uintptr.
	ErrOverflow = errors.New("segalloc: size computation overflow")

	// ErrOutOfMemory is returned when the configured Region Provider cannot
	// satisfy a segment request.
	ErrOutOfMemory = errors.New("segalloc: out of memory")

	// ErrInvalidAlignment is returned when AllocAligned is asked for an
	// alignment that is not a power of two.
	ErrInvalidAlignment = errors.New("segalloc: alignment must be a power of two")

	// ErrHeapDestroyed is returned by Alloc (and the calls built on it),
	// Collect, Abandon, Delete and Destroy on a Heap after Heap.Destroy,
	// Heap.Delete or Heap.Abandon has run. Free, Owns and VisitBlocks do not
	// check for it.
	ErrHeapDestroyed = errors.New("segalloc: heap already destroyed")
)
