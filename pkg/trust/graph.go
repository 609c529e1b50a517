package trust

import (
	"sync"

	"reputation_consensus/pkg/data"
)

// Graph is the local web-of-trust view: directed edges from a truster to a
// trustee, weighted in [0,1]. Each node builds its own graph from the
// attestations it has seen, so two validators can legitimately disagree
// about the same subject.
type Graph struct {
	edges map[string]map[string]float64
	mu    sync.RWMutex
}

// NewGraph creates an empty trust graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[string]map[string]float64)}
}

// SetEdge records or updates a trust edge. Weights outside [0,1] are
// clamped.
func (g *Graph) SetEdge(truster, trustee string, weight float64) {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.edges[truster] == nil {
		g.edges[truster] = make(map[string]float64)
	}
	g.edges[truster][trustee] = weight
}

// RemoveEdge deletes a trust edge.
func (g *Graph) RemoveEdge(truster, trustee string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges[truster], trustee)
}

// HasEdge reports whether the viewer can reach the subject directly or
// through one intermediary.
func (g *Graph) HasEdge(viewerAddress, subjectAddress string) bool {
	excerpt := g.PathExcerpt(viewerAddress, subjectAddress)
	return excerpt.PathCount > 0
}

// PathExcerpt returns the viewer's trust evidence toward a subject: the
// number of distinct paths of length one or two, and the strength of the
// strongest. A two-hop path's strength is the product of its edge weights.
func (g *Graph) PathExcerpt(viewerAddress, subjectAddress string) data.TrustPathExcerpt {
	g.mu.RLock()
	defer g.mu.RUnlock()

	excerpt := data.TrustPathExcerpt{
		ValidatorAddress: viewerAddress,
		SubjectAddress:   subjectAddress,
	}

	if direct, ok := g.edges[viewerAddress][subjectAddress]; ok {
		excerpt.PathCount++
		excerpt.PathStrength = direct
	}

	for intermediary, weight := range g.edges[viewerAddress] {
		if intermediary == subjectAddress {
			continue
		}
		second, ok := g.edges[intermediary][subjectAddress]
		if !ok {
			continue
		}
		excerpt.PathCount++
		if strength := weight * second; strength > excerpt.PathStrength {
			excerpt.PathStrength = strength
		}
	}
	return excerpt
}

// IncomingStrength averages the direct trust every known truster places in
// the subject. Zero when nobody attests to them.
func (g *Graph) IncomingStrength(subjectAddress string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var total float64
	var count int
	for _, trustees := range g.edges {
		if weight, ok := trustees[subjectAddress]; ok {
			total += weight
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
