// Package schedule orders competing hooks of one kind on one method.
//
// Hooks are placed by descending priority, then ascending registration
// index, subject to Before/After constraints between owners. A
// constraint cycle is broken by dropping one edge at a time; dropped
// edges are reported, never fatal. Orders are memoized by the value of
// the input set, so asking again for an unchanged set is a cache hit.
package schedule

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/dominikbraun/graph"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/wippyai/ilpatch/errors"
	"github.com/wippyai/ilpatch/hook"
)

// DefaultCacheSize is the number of memoized orders kept when Config
// leaves CacheSize unset.
const DefaultCacheSize = 256

// Config configures a Scheduler.
type Config struct {
	Logger    *zap.Logger
	CacheSize int
}

// DroppedEdge is a constraint ignored to break a cycle: Hook was required
// to run after Dependency.
type DroppedEdge struct {
	Hook       *hook.Descriptor
	Dependency *hook.Descriptor
}

func (e DroppedEdge) String() string {
	return fmt.Sprintf("%s after %s", e.Hook.Name(), e.Dependency.Name())
}

// Result is a total order over the input hooks.
type Result struct {
	Order   []*hook.Descriptor
	Dropped []DroppedEdge
}

// plan is a memoized order expressed as positions in the canonical
// (key-sorted) input.
type plan struct {
	order   []int
	dropped [][2]int
}

// Scheduler computes hook orders. It is safe for concurrent use.
type Scheduler struct {
	cache *lru.Cache[string, *plan]
	log   *zap.Logger
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cache, err := lru.New[string, *plan](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSchedule, errors.KindInvalidInput, err, "create order cache")
	}
	return &Scheduler{cache: cache, log: cfg.Logger}, nil
}

// Order returns the hooks of list in execution order.
func (s *Scheduler) Order(list []*hook.Descriptor) (*Result, error) {
	for i, d := range list {
		if d == nil {
			return nil, errors.New(errors.PhaseSchedule, errors.KindNilPointer).
				Path(fmt.Sprintf("hook %d", i)).
				Detail("nil descriptor").
				Build()
		}
	}
	if len(list) == 0 {
		return &Result{}, nil
	}

	keys := make([]string, len(list))
	for i, d := range list {
		keys[i] = d.Key()
	}
	canon := make([]int, len(list))
	for i := range canon {
		canon[i] = i
	}
	slices.SortStableFunc(canon, func(a, b int) int { return strings.Compare(keys[a], keys[b]) })

	sorted := make([]string, len(canon))
	nodes := make([]*hook.Descriptor, len(canon))
	for i, c := range canon {
		sorted[i] = keys[c]
		nodes[i] = list[c]
	}
	key := strings.Join(sorted, "\n")

	p, ok := s.cache.Get(key)
	if !ok {
		var err error
		p, err = compute(nodes)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, p)
	}

	res := &Result{Order: make([]*hook.Descriptor, len(p.order))}
	for i, n := range p.order {
		res.Order[i] = nodes[n]
	}
	for _, e := range p.dropped {
		d := DroppedEdge{Hook: nodes[e[1]], Dependency: nodes[e[0]]}
		res.Dropped = append(res.Dropped, d)
		if !ok {
			s.log.Warn("dependency cycle broken",
				zap.String("hook", d.Hook.Name()),
				zap.String("owner", d.Hook.Owner),
				zap.String("dependency", d.Dependency.Name()),
				zap.String("dependency_owner", d.Dependency.Owner))
		}
	}
	return res, nil
}

// Len returns the number of memoized orders.
func (s *Scheduler) Len() int {
	return s.cache.Len()
}

// Purge drops every memoized order.
func (s *Scheduler) Purge() {
	s.cache.Purge()
}

// compute orders nodes. Vertices of the graph are positions in nodes;
// an edge u -> v means u must run before v.
func compute(nodes []*hook.Descriptor) (*plan, error) {
	n := len(nodes)
	g := graph.New(graph.IntHash, graph.Directed())
	for i := range n {
		if err := g.AddVertex(i); err != nil {
			return nil, errors.Wrap(errors.PhaseSchedule, errors.KindInvalidData, err, "add hook vertex")
		}
	}
	for v, a := range nodes {
		for u, b := range nodes {
			if u == v || a.Owner == b.Owner {
				continue
			}
			if slices.Contains(a.After, b.Owner) || slices.Contains(b.Before, a.Owner) {
				err := g.AddEdge(u, v)
				if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
					return nil, errors.Wrap(errors.PhaseSchedule, errors.KindInvalidData, err, "add constraint edge")
				}
			}
		}
	}

	// Scan order: priority descending, then registration index, then key
	// for inputs that repeat an index.
	scan := make([]int, n)
	for i := range scan {
		scan[i] = i
	}
	slices.SortStableFunc(scan, func(x, y int) int {
		a, b := nodes[x], nodes[y]
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	rank := make([]int, n)
	for r, v := range scan {
		rank[v] = r
	}

	p := &plan{order: make([]int, 0, n)}
	placed := make([]bool, n)
	for len(p.order) < n {
		preds, err := g.PredecessorMap()
		if err != nil {
			return nil, errors.Wrap(errors.PhaseSchedule, errors.KindInvalidData, err, "read constraint graph")
		}

		ready := -1
		for _, v := range scan {
			if placed[v] {
				continue
			}
			blocked := false
			for u := range preds[v] {
				if !placed[u] {
					blocked = true
					break
				}
			}
			if !blocked {
				ready = v
				break
			}
		}
		if ready >= 0 {
			placed[ready] = true
			p.order = append(p.order, ready)
			continue
		}

		// Every unplaced node waits on another: drop the edge into the
		// first waiting node from its latest-scanned unplaced predecessor.
		v, u := -1, -1
		for _, c := range scan {
			if !placed[c] {
				v = c
				break
			}
		}
		for w := range preds[v] {
			if !placed[w] && (u < 0 || rank[w] > rank[u]) {
				u = w
			}
		}
		if err := g.RemoveEdge(u, v); err != nil {
			return nil, errors.Wrap(errors.PhaseSchedule, errors.KindInvalidData, err, "drop constraint edge")
		}
		p.dropped = append(p.dropped, [2]int{u, v})
	}
	return p, nil
}
