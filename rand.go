package segalloc

import "math/rand"

// shuffleSource produces the permutations extendSecure uses to interleave
// free-list slices, grounded on mi_page_free_list_extend's secure branch in
// page.rs, which draws from a heap-local PRNG rather than a shared one so
// two heaps never contend on RNG state.
type shuffleSource struct {
	r *rand.Rand
}

func newShuffleSource(seed int64) *shuffleSource {
	return &shuffleSource{r: rand.New(rand.NewSource(seed))}
}

// permute returns a random permutation of [0, n).
func (s *shuffleSource) permute(n int) []int {
	return s.r.Perm(n)
}
