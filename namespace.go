package pykernel

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// MergeStrategy selects how Namespace.Update reconciles incoming changes
// with existing bindings (spec §4.C).
type MergeStrategy string

const (
	// StrategyOverwrite replaces any existing value unconditionally.
	StrategyOverwrite MergeStrategy = "overwrite"

	// StrategyPreserve keeps the existing value if the key is already bound.
	StrategyPreserve MergeStrategy = "preserve"

	// StrategySmart skips writes that would replace a non-sentinel value
	// with nil or an empty container, and skips no-op writes.
	StrategySmart MergeStrategy = "smart"
)

// ViewContext selects the isolation behavior of Namespace.ViewFor.
type ViewContext string

const (
	// ViewThread returns a copy, isolating race-prone threaded execution.
	ViewThread ViewContext = "thread"

	// ViewAsync returns the live mapping (single-writer inside the event loop).
	ViewAsync ViewContext = "async"

	// ViewSync returns the live mapping (single-writer inside the event loop).
	ViewSync ViewContext = "sync"
)

// Set is the JSON-compatible projection of a Python set value used by
// Namespace.SerializeForPersistence (spec §4.C, §3).
type Set struct {
	Values []any
}

// protectedKeys is the engine-owned slot set that user-context writes may
// never mutate (spec §3). Writable only by Update calls whose source is
// "engine".
var protectedKeys = map[string]struct{}{
	"_":            {},
	"__":           {},
	"___":          {},
	"_i":           {},
	"_ii":          {},
	"_iii":         {},
	"Out":          {},
	"In":           {},
	"_exit_code":   {},
	"_exception":   {},
	"__name__":     {},
	"__builtins__": {},
	"__doc__":      {},
}

// IsProtectedKey reports whether key is in the engine-owned protected set.
func IsProtectedKey(key string) bool {
	_, ok := protectedKeys[key]
	return ok
}

// Namespace is the thread-safe, merge-only name-binding environment that
// persists user bindings across executions (spec §4.C). Its object identity
// is stable for the life of the session: callers MUST mutate it in place via
// Update or equivalent, never replace it — functions defined by user code
// close over this exact mapping.
//
// A single mutex protects both reads and writes. Holding it across I/O is
// forbidden; every exported method returns before releasing it except
// Snapshot's copy, which is bounded, in-memory work.
type Namespace struct {
	mu     sync.Mutex
	values map[string]any

	conflicts atomic.Int64
}

// NewNamespace returns a namespace seeded with the required engine built-ins.
func NewNamespace() *Namespace {
	n := &Namespace{values: make(map[string]any, 32)}
	n.values["__name__"] = "__main__"
	n.values["__doc__"] = nil
	n.values["__builtins__"] = struct{}{}
	n.values["In"] = []string{}
	n.values["Out"] = map[int]any{}
	return n
}

// Snapshot returns a shallow copy of the bindings, safe for readers.
func (n *Namespace) Snapshot() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return cloneMap(n.values)
}

// ViewFor returns the mapping appropriate for ctx. "thread" returns a copy
// to isolate race-prone threaded execution; "async" and "sync" return the
// live mapping, since the engine is the sole writer inside the event loop
// for those contexts.
func (n *Namespace) ViewFor(ctx ViewContext) map[string]any {
	if ctx == ViewThread {
		return n.Snapshot()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.values
}

// Update merges changes into the live mapping under lock. source gates
// writes to the protected set: only "engine" may write them. Non-engine
// writers that target a protected key have that key silently dropped and
// the conflict counter incremented.
func (n *Namespace) Update(changes map[string]any, source string, strategy MergeStrategy) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, v := range changes {
		if IsProtectedKey(k) && source != "engine" {
			n.conflicts.Add(1)
			continue
		}
		if strategy == StrategyPreserve {
			if _, exists := n.values[k]; exists {
				continue
			}
		}
		if strategy == StrategySmart && smartSkip(n.values, k, v) {
			continue
		}
		n.values[k] = v
	}
}

// smartSkip reports whether a smart-strategy write of k=v is a no-op, or
// would replace a non-sentinel value with nil or an empty container.
func smartSkip(existing map[string]any, k string, v any) bool {
	old, had := existing[k]
	if had && equalValue(old, v) {
		return true // no-op write
	}
	if !had {
		return false
	}
	if isSentinel(old) {
		return false
	}
	return isNilOrEmpty(v)
}

func isSentinel(v any) bool {
	return v == nil
}

func isNilOrEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case *Set:
		return t == nil || len(t.Values) == 0
	default:
		return false
	}
}

func equalValue(a, b any) bool {
	// Best-effort equality for merge no-op detection; values that are not
	// comparable (slices, maps) are treated as never equal so they are
	// always considered a real write rather than risk masking a change.
	defer func() { recover() }() //nolint:errcheck // comparability probe
	return a == b
}

// MergeThreadResults diffs post against pre and applies the diff with
// source="thread", strategy="smart" (spec §4.C). Used after running
// blocking-sync code in the single-slot worker thread, whose namespace copy
// (pre) must be reconciled back into the live mapping (post is that copy
// after execution).
func (n *Namespace) MergeThreadResults(post, pre map[string]any) {
	diff := make(map[string]any)
	for k, v := range post {
		if old, ok := pre[k]; !ok || !reflect.DeepEqual(old, v) {
			diff[k] = v
		}
	}
	n.Update(diff, "thread", StrategySmart)
}

// BumpResultHistory shifts ___ ← __ ← _ ← value (spec §3, §4.D). Engine-only;
// ignores nil values. Must be called with source="engine" semantics, so it
// bypasses Update's protected-key gate directly.
func (n *Namespace) BumpResultHistory(value any) {
	if value == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values["___"] = n.values["__"]
	n.values["__"] = n.values["_"]
	n.values["_"] = value
}

// ConflictCount returns the number of user-context writes that were dropped
// because they targeted a protected key (spec §8 property 2).
func (n *Namespace) ConflictCount() int64 {
	return n.conflicts.Load()
}

// SerializeForPersistence yields a JSON-compatible projection of the
// namespace, skipping callables, modules, objects with no stable textual
// form, and the protected __builtins__ slot. Sets become
// {"__type__":"set","values":[...]} (spec §4.C).
func (n *Namespace) SerializeForPersistence() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]any, len(n.values))
	for k, v := range n.values {
		if k == "__builtins__" {
			continue
		}
		proj, ok := projectValue(v)
		if !ok {
			continue
		}
		out[k] = proj
	}
	return out
}

// projectValue converts v into a JSON-compatible value, or reports false if
// v has no stable textual/serializable form (functions, channels, etc.).
func projectValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil, bool, string, int, int64, float64:
		return t, true
	case *Set:
		if t == nil {
			return nil, false
		}
		values := make([]any, 0, len(t.Values))
		for _, item := range t.Values {
			if p, ok := projectValue(item); ok {
				values = append(values, p)
			}
		}
		sortStable(values)
		return map[string]any{"__type__": "set", "values": values}, true
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if p, ok := projectValue(item); ok {
				out = append(out, p)
			}
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if p, ok := projectValue(item); ok {
				out[k] = p
			}
		}
		return out, true
	default:
		return nil, false // functions, channels, modules, and similar opaque values
	}
}

// sortStable orders a serialized set's values by their string form so
// persisted output is deterministic across runs.
func sortStable(values []any) {
	sort.SliceStable(values, func(i, j int) bool {
		return sprint(values[i]) < sprint(values[j])
	})
}

func sprint(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
