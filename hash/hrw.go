// Package hash assigns tile keys to writers with rendezvous hashing, so a
// given tile always lands on the same write lane for a fixed writer set.
package hash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Router maps tile keys to lane indexes in [0, Lanes()).
type Router struct {
	writers []string
}

// NewRouter builds a router over n lanes named prefix-0 .. prefix-(n-1).
func NewRouter(prefix string, n int) (*Router, error) {
	if n <= 0 {
		return nil, fmt.Errorf("router needs at least one lane, got %d", n)
	}
	writers := make([]string, n)
	for i := range writers {
		writers[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return &Router{writers: writers}, nil
}

// Lanes returns the number of lanes.
func (r *Router) Lanes() int { return len(r.writers) }

// Lane returns the lane whose writer scores highest for key.
func (r *Router) Lane(key string) int {
	i, _ := ownerIndex(key, r.writers)
	return i
}

// Writer returns the name of lane i.
func (r *Router) Writer(i int) string { return r.writers[i] }

func ownerIndex(key string, writers []string) (int, bool) {
	if len(writers) == 0 {
		return 0, false
	}
	best := 0
	bestScore := score(key, writers[0])
	for i := 1; i < len(writers); i++ {
		if s := score(key, writers[i]); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, true
}

func score(key, writer string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.WriteString("::")
	_, _ = h.WriteString(writer)
	return h.Sum64()
}
