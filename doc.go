// Package segalloc implements a size-segregated, page-based memory
// allocator in the mimalloc family: allocations are served from fixed-size
// blocks inside Pages, Pages are carved from fixed-geometry Segments
// (Small/Large/Huge), and a small Heap object gives each caller a
// thread-affine allocation context without the global locking a
// general-purpose malloc needs.
//
// A process typically creates one Allocator (the segment manager and OS
// region cache) and one Heap per goroutine that allocates heavily; Heap
// operations other than Free assume a single owning goroutine at a time.
// Freeing a block from a goroutine other than its Heap's owner is always
// safe and lock-free (Allocator.Free, or the freeing goroutine's own
// Heap.Free on a block another Heap owns) — it just takes a slower,
// CAS-based path than freeing from the owning goroutine.
package segalloc
