package procgroup

import (
	"fmt"
	"sort"
	"sync"
)

// world is the shared state behind one in-process group. Collective calls
// rendezvous on numbered slots: member i's k-th collective joins slot k,
// which is why members must issue collectives in the same order.
type world struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ops   map[uint64]*collOp
	seq   []uint64 // next slot per rank
	nodes []string // node id per rank
	n     int
}

type collOp struct {
	contrib []any
	result  any
	arrived int
	readers int
	done    bool
}

func newWorld(n int, nodes []string) *world {
	w := &world{
		n:     n,
		nodes: nodes,
		ops:   make(map[uint64]*collOp),
		seq:   make([]uint64, n),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// exchange runs one collective slot. Every member contributes v; fin runs
// exactly once, after the last contribution and under the lock, and its
// result is observed by all members along with the full contribution
// vector.
func (w *world) exchange(rank int, v any, fin func([]any) any) ([]any, any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot := w.seq[rank]
	w.seq[rank]++

	o := w.ops[slot]
	if o == nil {
		o = &collOp{contrib: make([]any, w.n)}
		w.ops[slot] = o
	}
	o.contrib[rank] = v
	o.arrived++
	if o.arrived == w.n {
		if fin != nil {
			o.result = fin(o.contrib)
		}
		o.done = true
		w.cond.Broadcast()
	}
	for !o.done {
		w.cond.Wait()
	}

	o.readers++
	if o.readers == w.n {
		delete(w.ops, slot)
	}
	return o.contrib, o.result
}

// localGroup is one member's handle on an in-process world.
type localGroup struct {
	w    *world
	rank int
}

// LocalOption configures NewLocalWorld.
type LocalOption func(*localConfig)

type localConfig struct {
	nodes []string
}

// WithNodeIDs assigns a node identity to each rank, enabling SplitNode to
// model a multi-node topology inside one process. ids must have one entry
// per rank. Without this option every rank shares a single node.
func WithNodeIDs(ids []string) LocalOption {
	return func(c *localConfig) { c.nodes = ids }
}

// NewLocalWorld creates an in-process world of n ranks and returns one
// Group handle per rank. Each handle is meant to be driven by its own
// goroutine.
func NewLocalWorld(n int, opts ...LocalOption) []Group {
	if n < 1 {
		panic(fmt.Sprintf("procgroup: world size %d", n))
	}
	var cfg localConfig
	for _, o := range opts {
		o(&cfg)
	}
	nodes := cfg.nodes
	if nodes == nil {
		nodes = make([]string, n)
		for i := range nodes {
			nodes[i] = "node-0"
		}
	}
	if len(nodes) != n {
		panic(fmt.Sprintf("procgroup: %d node ids for %d ranks", len(nodes), n))
	}

	w := newWorld(n, nodes)
	groups := make([]Group, n)
	for i := 0; i < n; i++ {
		groups[i] = &localGroup{w: w, rank: i}
	}
	return groups
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) Size() int { return g.w.n }

func (g *localGroup) Barrier() {
	g.w.exchange(g.rank, nil, nil)
}

type splitReq struct {
	color int
	key   int
}

type splitChild struct {
	w      *world
	rankOf map[int]int // parent rank -> child rank
}

func (g *localGroup) Split(color, key int) Group {
	_, res := g.w.exchange(g.rank, splitReq{color: color, key: key}, func(contrib []any) any {
		// Group members by color, order by (key, parent rank).
		byColor := make(map[int][]int)
		for r, c := range contrib {
			req := c.(splitReq)
			if req.color >= 0 {
				byColor[req.color] = append(byColor[req.color], r)
			}
		}
		children := make(map[int]*splitChild)
		for c, members := range byColor {
			sort.Slice(members, func(i, j int) bool {
				ki := contrib[members[i]].(splitReq).key
				kj := contrib[members[j]].(splitReq).key
				if ki != kj {
					return ki < kj
				}
				return members[i] < members[j]
			})
			nodes := make([]string, len(members))
			rankOf := make(map[int]int, len(members))
			for i, r := range members {
				nodes[i] = g.w.nodes[r]
				rankOf[r] = i
			}
			children[c] = &splitChild{w: newWorld(len(members), nodes), rankOf: rankOf}
		}
		return children
	})
	if color < 0 {
		return nil
	}
	child := res.(map[int]*splitChild)[color]
	return &localGroup{w: child.w, rank: child.rankOf[g.rank]}
}

func (g *localGroup) SplitNode() Group {
	// Color by the index of this rank's node id among the sorted distinct
	// node ids, so all members of one node agree on a color.
	seen := make(map[string]bool)
	var ids []string
	for _, id := range g.w.nodes {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	color := sort.SearchStrings(ids, g.w.nodes[g.rank])
	return g.Split(color, g.rank)
}

func (g *localGroup) Allgather(b []byte) [][]byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	contrib, _ := g.w.exchange(g.rank, cp, nil)
	out := make([][]byte, len(contrib))
	for i, c := range contrib {
		out[i] = c.([]byte)
	}
	return out
}

func (g *localGroup) reduceU64(vals []uint64, op Op) []uint64 {
	cp := make([]uint64, len(vals))
	copy(cp, vals)
	_, res := g.w.exchange(g.rank, cp, func(contrib []any) any {
		acc := make([]uint64, len(contrib[0].([]uint64)))
		copy(acc, contrib[0].([]uint64))
		for r := 1; r < len(contrib); r++ {
			v := contrib[r].([]uint64)
			if len(v) != len(acc) {
				panic(fmt.Sprintf("procgroup: reduce length mismatch %d vs %d", len(v), len(acc)))
			}
			for i := range acc {
				acc[i] = combineU64(op, acc[i], v[i])
			}
		}
		return acc
	})
	return res.([]uint64)
}

func (g *localGroup) Reduce(vals []uint64, op Op, root int) []uint64 {
	res := g.reduceU64(vals, op)
	if g.rank != root {
		return nil
	}
	return res
}

func (g *localGroup) Allreduce(vals []uint64, op Op) []uint64 {
	return g.reduceU64(vals, op)
}

func (g *localGroup) ReduceF64(vals []float64, op Op, root int) []float64 {
	cp := make([]float64, len(vals))
	copy(cp, vals)
	_, res := g.w.exchange(g.rank, cp, func(contrib []any) any {
		acc := make([]float64, len(contrib[0].([]float64)))
		copy(acc, contrib[0].([]float64))
		for r := 1; r < len(contrib); r++ {
			v := contrib[r].([]float64)
			if len(v) != len(acc) {
				panic(fmt.Sprintf("procgroup: reduce length mismatch %d vs %d", len(v), len(acc)))
			}
			for i := range acc {
				acc[i] = combineF64(op, acc[i], v[i])
			}
		}
		return acc
	})
	if g.rank != root {
		return nil
	}
	return res.([]float64)
}

func (g *localGroup) Free() {}
