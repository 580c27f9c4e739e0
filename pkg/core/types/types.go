// Package types holds the small shared value types exchanged between the
// dataset, distance, index, and engine packages.
package types

// Element is the set of dataset element types the engine supports.
type Element interface {
	~float32 | ~float64 | ~uint8 | ~int32
}

// Candidate is a single (point id, distance) pair produced by a search.
type Candidate struct {
	ID       int
	Distance float64
}

// Less reports whether c sorts before other. Distance is compared first and
// the ID breaks ties, so result ordering is deterministic for a fixed seed.
func (c Candidate) Less(other Candidate) bool {
	if c.Distance != other.Distance {
		return c.Distance < other.Distance
	}
	return c.ID < other.ID
}
