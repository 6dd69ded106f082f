// Package arbiter implements the memory arbiter (C3): VRAM accounting,
// peak-usage prediction, and furthest-future-use eviction planning over
// the tensor cache that lives in the shared-memory arena.
package arbiter

import (
	"sync"

	"github.com/google/btree"

	"github.com/cuemby/orbit/pkg/config"
	"github.com/cuemby/orbit/pkg/orberr"
	"github.com/cuemby/orbit/pkg/types"
)

// NodeCost describes one node's contribution to a plan's VRAM footprint:
// its operation type (for the cost multiplier lookup) and its predicted
// output byte size.
type NodeCost struct {
	NodeID      types.NodeID
	OpType      string
	OutputBytes uint64
}

// Arbiter tracks cached tensors and arbitrates VRAM between them.
type Arbiter struct {
	mu sync.Mutex

	limitBytes uint64
	multipliers config.CostMultipliers
	cache       map[string]*types.TensorCacheEntry
}

// New creates an Arbiter with the given VRAM ceiling and cost table. A
// nil multipliers map is replaced by config.DefaultCostMultipliers(); an
// op type with no entry (and no "*" entry) in the table gets 1.5.
func New(limitMB uint64, multipliers config.CostMultipliers) *Arbiter {
	if multipliers == nil {
		multipliers = config.DefaultCostMultipliers()
	}
	return &Arbiter{
		limitBytes:  limitMB * 1024 * 1024,
		multipliers: multipliers,
		cache:       make(map[string]*types.TensorCacheEntry),
	}
}

func (a *Arbiter) costMultiplier(opType string) float64 {
	if m, ok := a.multipliers[opType]; ok {
		return m
	}
	if m, ok := a.multipliers["*"]; ok {
		return m
	}
	return 1.5
}

// CalculateTensorSize computes Π(shape) * bytes_per_element(dtype).
func CalculateTensorSize(shape []int64, dtype types.DType) uint64 {
	elements := uint64(1)
	for _, dim := range shape {
		if dim > 0 {
			elements *= uint64(dim)
		}
	}
	return elements * types.BytesPerElement(dtype)
}

// PredictPeak sums each node's predicted peak (output_bytes * cost
// multiplier) over plan.
func (a *Arbiter) PredictPeak(plan []NodeCost) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, n := range plan {
		peak := uint64(float64(n.OutputBytes) * a.costMultiplier(n.OpType))
		total = saturatingAdd(total, peak)
	}
	return total
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// evictionItem orders cached tensors by eviction priority: furthest
// future use first (absent next-use treated as +Inf), then larger size,
// then lexicographically larger id. Ascending btree traversal with this
// Less implementation visits items in eviction-priority order directly,
// replacing a manual sort.Slice call per eviction decision.
type evictionItem struct {
	id    string
	score uint64 // next_use_step, or math.MaxUint64 for "never used again"
	size  uint64
}

func (it evictionItem) Less(than btree.Item) bool {
	o := than.(evictionItem)
	if it.score != o.score {
		return it.score > o.score
	}
	if it.size != o.size {
		return it.size > o.size
	}
	return it.id > o.id
}

// PlanEviction selects cached tensors to evict so that their combined
// size covers needed bytes, preferring tensors with the furthest future
// use. If even evicting every candidate does not reach needed, it returns
// the partial (full) list; the caller is responsible for detecting the
// shortfall (see Prepare).
func (a *Arbiter) PlanEviction(currentVRAM, needed uint64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.planEvictionLocked(needed)
}

func (a *Arbiter) planEvictionLocked(needed uint64) []string {
	tr := btree.New(32)
	for id, entry := range a.cache {
		score := ^uint64(0) // absent next-use == +Inf == highest eviction priority
		if entry.NextUseStep != nil {
			score = *entry.NextUseStep
		}
		tr.ReplaceOrInsert(evictionItem{id: id, score: score, size: entry.SizeBytes})
	}

	var freed uint64
	var out []string
	tr.Ascend(func(item btree.Item) bool {
		if freed >= needed {
			return false
		}
		ev := item.(evictionItem)
		out = append(out, ev.id)
		freed += ev.size
		return true
	})
	return out
}

// Prepare computes the predicted total VRAM (current + predicted peak,
// saturating) for plan. If it fits under the configured limit, it
// returns no evictions. Otherwise it computes the deficit and calls
// PlanEviction; if the eviction plan cannot cover the deficit, it
// returns a ResourceExhausted error (VE-003).
func (a *Arbiter) Prepare(plan []NodeCost, currentVRAM uint64) ([]string, error) {
	predicted := a.PredictPeak(plan)
	total := saturatingAdd(currentVRAM, predicted)

	if total <= a.limitBytes {
		return nil, nil
	}

	needed := total - a.limitBytes

	a.mu.Lock()
	defer a.mu.Unlock()

	evictions := a.planEvictionLocked(needed)

	var evictable uint64
	for _, id := range evictions {
		if entry, ok := a.cache[id]; ok {
			evictable += entry.SizeBytes
		}
	}

	if evictable < needed {
		return evictions, orberr.ResourceExhausted(total/(1024*1024), a.limitBytes/(1024*1024))
	}
	return evictions, nil
}

// Cache registers a tensor as resident in the arena.
func (a *Arbiter) Cache(entry types.TensorCacheEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := entry
	a.cache[entry.ID] = &e
}

// Evict removes a tensor from the cache, returning the removed entry (if
// it existed) so the caller (the supervisor) can free the corresponding
// arena allocation.
func (a *Arbiter) Evict(id string) (types.TensorCacheEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[id]
	if !ok {
		return types.TensorCacheEntry{}, false
	}
	delete(a.cache, id)
	return *e, true
}

// CurrentCacheBytes returns the total size of all resident tensors.
func (a *Arbiter) CurrentCacheBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, e := range a.cache {
		total += e.SizeBytes
	}
	return total
}

// Get returns the cached entry for id, if resident.
func (a *Arbiter) Get(id string) (types.TensorCacheEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[id]
	if !ok {
		return types.TensorCacheEntry{}, false
	}
	return *e, true
}

// Entries returns a snapshot of the current cache contents, keyed by id.
func (a *Arbiter) Entries() map[string]types.TensorCacheEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]types.TensorCacheEntry, len(a.cache))
	for id, e := range a.cache {
		out[id] = *e
	}
	return out
}
