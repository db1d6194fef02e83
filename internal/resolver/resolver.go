// Package resolver matches free-text destination-name patterns against a
// session's known destination list.
package resolver

import (
	"strings"
	"sync/atomic"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"herald/internal/protocol"
)

// DefaultThreshold is the minimum fuzzy score (0-100) for a destination to
// be considered a match. The threshold is inclusive.
const DefaultThreshold = 70

// Resolver scores destination display names against a pattern with a
// token-based fuzzy ratio. Safe for concurrent use; the threshold can be
// swapped at runtime (config hot reload).
type Resolver struct {
	threshold atomic.Int32
}

func New(threshold int) *Resolver {
	r := &Resolver{}
	r.SetThreshold(threshold)
	return r
}

func (r *Resolver) SetThreshold(threshold int) {
	if threshold <= 0 || threshold > 100 {
		threshold = DefaultThreshold
	}
	r.threshold.Store(int32(threshold))
}

func (r *Resolver) Threshold() int { return int(r.threshold.Load()) }

// Score computes the similarity (0-100) between pattern and name.
// Token-sorted so "updates team" still matches "Team Updates".
func (r *Resolver) Score(pattern, name string) int {
	pattern = strings.TrimSpace(pattern)
	name = strings.TrimSpace(name)
	if pattern == "" || name == "" {
		return 0
	}
	return fuzzy.TokenSortRatio(pattern, name)
}

// Resolve returns the subsequence of destinations whose display name scores
// at or above the threshold. An empty result means "nothing to send here",
// never an error.
func (r *Resolver) Resolve(pattern string, destinations []protocol.Destination) []protocol.Destination {
	thr := r.Threshold()
	var out []protocol.Destination
	for _, d := range destinations {
		if r.Score(pattern, d.Name) >= thr {
			out = append(out, d)
		}
	}
	return out
}
