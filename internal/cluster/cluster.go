package cluster

import (
	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
)

// Cluster is one connected group of primitives. Members holds the input
// indices in the order they joined; Extents is the union of the members'
// valid extents and is invalid when no member has one.
type Cluster struct {
	Members    []int
	Primitives []geometry.Primitive
	Extents    geometry.Extents
}

// Size returns the number of member primitives
func (c *Cluster) Size() int { return len(c.Members) }

func newCluster(seed int, prims []geometry.Primitive, extents []geometry.Extents) *Cluster {
	return &Cluster{
		Members:    []int{seed},
		Primitives: []geometry.Primitive{prims[seed]},
		Extents:    geometry.Empty().Union(extents[seed]),
	}
}

func (c *Cluster) add(i int, prims []geometry.Primitive, extents []geometry.Extents) {
	c.Members = append(c.Members, i)
	c.Primitives = append(c.Primitives, prims[i])
	c.Extents = c.Extents.Union(extents[i])
}

// remaining is the ordered set of unclustered input indices.
type remaining []int

// take removes and returns, in order, every index whose extents overlap
// box. The receiver keeps the rest in their original order.
func (r *remaining) take(box geometry.Extents, extents []geometry.Extents) []int {
	var taken []int
	kept := (*r)[:0]
	for _, j := range *r {
		if box.Overlaps(extents[j]) {
			taken = append(taken, j)
		} else {
			kept = append(kept, j)
		}
	}
	*r = kept
	return taken
}

func newRemaining(n int) remaining {
	r := make(remaining, n)
	for i := range r {
		r[i] = i
	}
	return r
}

// LocalSeed partitions the primitives into connected components of the
// relation "a's box expanded by tolerance overlaps b's box". Each dequeued
// frontier primitive is expanded on its own; the cluster's accumulated box
// is never used for matching. Primitives with invalid extents end up alone.
//
// Seeds are taken in input order, so output is deterministic.
func LocalSeed(prims []geometry.Primitive, extents []geometry.Extents, tolerance float64) []*Cluster {
	rest := newRemaining(len(prims))
	var clusters []*Cluster

	for len(rest) > 0 {
		seed := rest[0]
		rest = rest[1:]
		c := newCluster(seed, prims, extents)

		queue := []int{seed}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if !extents[cur].Valid() {
				continue
			}
			for _, j := range rest.take(extents[cur].Expand(tolerance), extents) {
				c.add(j, prims, extents)
				queue = append(queue, j)
			}
		}
		clusters = append(clusters, c)
	}
	return clusters
}

// WholeCluster grows each cluster by expanding its accumulated box and
// absorbing everything it touches until nothing more joins. It merges at
// least as much as LocalSeed and tends to chain along lines of text.
func WholeCluster(prims []geometry.Primitive, extents []geometry.Extents, tolerance float64) []*Cluster {
	rest := newRemaining(len(prims))
	var clusters []*Cluster

	for len(rest) > 0 {
		seed := rest[0]
		rest = rest[1:]
		c := newCluster(seed, prims, extents)

		for c.Extents.Valid() {
			taken := rest.take(c.Extents.Expand(tolerance), extents)
			if len(taken) == 0 {
				break
			}
			for _, j := range taken {
				c.add(j, prims, extents)
			}
		}
		clusters = append(clusters, c)
	}
	return clusters
}

// Build clusters prims with the canonical local-seed policy.
func Build(prims []geometry.Primitive, tolerance float64) []*Cluster {
	return LocalSeed(prims, ExtentsOf(prims, geometry.DefaultSplineSamples), tolerance)
}
