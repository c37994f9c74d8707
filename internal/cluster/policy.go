package cluster

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/vectortext-worker/internal/geometry"
)

const (
	PolicyLocalSeed    = "local-seed"
	PolicyWholeCluster = "whole-cluster"
)

// Policy pairs a tolerance estimator with a clustering strategy.
type Policy interface {
	Name() string
	Tolerance(extents []geometry.Extents) float64
	Cluster(prims []geometry.Primitive, extents []geometry.Extents, tolerance float64) []*Cluster
}

// LocalSeedPolicy is median height * Scale with per-primitive expansion.
type LocalSeedPolicy struct {
	Scale float64
}

func (LocalSeedPolicy) Name() string { return PolicyLocalSeed }

func (p LocalSeedPolicy) Tolerance(extents []geometry.Extents) float64 {
	return MedianTolerance(extents, p.Scale)
}

func (LocalSeedPolicy) Cluster(prims []geometry.Primitive, extents []geometry.Extents, tolerance float64) []*Cluster {
	return LocalSeed(prims, extents, tolerance)
}

// WholeClusterPolicy is mean height * Scale with whole-box expansion.
type WholeClusterPolicy struct {
	Scale float64
}

func (WholeClusterPolicy) Name() string { return PolicyWholeCluster }

func (p WholeClusterPolicy) Tolerance(extents []geometry.Extents) float64 {
	return MeanTolerance(extents, p.Scale)
}

func (WholeClusterPolicy) Cluster(prims []geometry.Primitive, extents []geometry.Extents, tolerance float64) []*Cluster {
	return WholeCluster(prims, extents, tolerance)
}

// ParsePolicy resolves a policy by name. An empty name selects
// local-seed; scale <= 0 keeps the policy's default.
func ParsePolicy(name string, scale float64) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyLocalSeed:
		return LocalSeedPolicy{Scale: scale}, nil
	case PolicyWholeCluster:
		return WholeClusterPolicy{Scale: scale}, nil
	default:
		return nil, fmt.Errorf("unknown cluster policy %q (want %s or %s)", name, PolicyLocalSeed, PolicyWholeCluster)
	}
}
