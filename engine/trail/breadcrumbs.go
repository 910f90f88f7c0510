package trail

import (
	"strings"
	"sync"

	"github.com/compozy/deepresearch/pkg/textsim"
)

// Breadcrumbs is the session-wide set of explored sub-queries.
type Breadcrumbs struct {
	mu    sync.RWMutex
	items []string
}

func NewBreadcrumbs(items ...string) *Breadcrumbs {
	b := &Breadcrumbs{}
	b.Add(items...)
	return b
}

// Add records sub-queries, ignoring blanks and exact repeats.
func (b *Breadcrumbs) Add(queries ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range queries {
		b.addLocked(q)
	}
}

func (b *Breadcrumbs) addLocked(q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return false
	}
	norm := textsim.Normalize(q)
	for _, existing := range b.items {
		if textsim.Normalize(existing) == norm {
			return false
		}
	}
	b.items = append(b.items, q)
	return true
}

// Nearest returns the breadcrumb most similar to q and its similarity.
func (b *Breadcrumbs) Nearest(q string) (string, float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nearestLocked(q)
}

func (b *Breadcrumbs) nearestLocked(q string) (string, float64) {
	var best string
	var bestSim float64
	for _, existing := range b.items {
		if sim := textsim.Jaccard(q, existing); sim > bestSim {
			best, bestSim = existing, sim
		}
	}
	return best, bestSim
}

// Claim atomically checks q against the set and records it when no
// breadcrumb is at or above threshold. It returns the colliding breadcrumb
// and similarity otherwise.
func (b *Breadcrumbs) Claim(q string, threshold float64) (string, float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	nearest, sim := b.nearestLocked(q)
	if nearest != "" && sim >= threshold {
		return nearest, sim, false
	}
	b.addLocked(q)
	return nearest, sim, true
}

func (b *Breadcrumbs) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.items...)
}

func (b *Breadcrumbs) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}
