package placement

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Protocol names accepted by New.
const (
	ProtoStaticModulo = "static_modulo"
	ProtoHashLookup3  = "hash_lookup3"
	ProtoXor          = "xor"
	ProtoRing         = "ring"
)

// DefaultVirtualFactor is the per-rank virtual point count used when the
// caller does not configure one.
const DefaultVirtualFactor = 1024

// Engine resolves record keys to destination ranks. Engines are immutable
// after New and safe for concurrent lookups.
type Engine struct {
	points   []point // sorted virtual points (ring and xor protocols)
	protocol string
	world    int
	seed     uint64
}

type point struct {
	hash uint64
	rank int
}

// New builds an engine for world ranks using the named protocol. The
// virtual factor controls how many points each rank contributes under the
// ring and xor protocols; factor values below 1 fall back to
// DefaultVirtualFactor. The seed perturbs every hash so distinct shuffle
// domains decorrelate.
func New(protocol string, world, virtualFactor int, seed uint64) (*Engine, error) {
	if world < 1 {
		return nil, fmt.Errorf("placement: world size %d", world)
	}
	if virtualFactor < 1 {
		virtualFactor = DefaultVirtualFactor
	}

	e := &Engine{protocol: protocol, world: world, seed: seed}
	switch protocol {
	case ProtoStaticModulo, ProtoHashLookup3:
		// No point table needed.
	case ProtoXor, ProtoRing:
		e.points = makePoints(world, virtualFactor, seed)
	default:
		return nil, fmt.Errorf("placement: unknown protocol %q", protocol)
	}
	return e, nil
}

// makePoints hashes world*factor virtual points. Each point is the hash of
// (seed, rank, replica), so the table depends only on the engine
// parameters.
func makePoints(world, factor int, seed uint64) []point {
	points := make([]point, 0, world*factor)
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:8], seed)
	for r := 0; r < world; r++ {
		binary.LittleEndian.PutUint64(b[8:16], uint64(r))
		for v := 0; v < factor; v++ {
			binary.LittleEndian.PutUint64(b[16:24], uint64(v))
			points = append(points, point{hash: xxhash.Sum64(b[:]), rank: r})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash != points[j].hash {
			return points[i].hash < points[j].hash
		}
		return points[i].rank < points[j].rank
	})
	return points
}

// Protocol returns the engine's protocol name.
func (e *Engine) Protocol() string { return e.protocol }

// World returns the number of ranks the engine places across.
func (e *Engine) World() int { return e.world }

// Closest returns the single rank owning key, 0 <= rank < world.
func (e *Engine) Closest(key uint64) int {
	switch e.protocol {
	case ProtoStaticModulo:
		return int(key % uint64(e.world))
	case ProtoHashLookup3:
		return int(lookup3(key, uint32(e.seed)) % uint64(e.world))
	case ProtoXor:
		return e.closestXor(key)
	default: // ProtoRing
		return e.closestRing(key)
	}
}

// closestRing walks the ring clockwise from key to the first virtual
// point, wrapping past the largest hash back to the smallest.
func (e *Engine) closestRing(key uint64) int {
	i := sort.Search(len(e.points), func(i int) bool { return e.points[i].hash >= key })
	if i == len(e.points) {
		i = 0
	}
	return e.points[i].rank
}

// closestXor picks the virtual point with the smallest xor distance to
// key, the Kademlia-style metric.
func (e *Engine) closestXor(key uint64) int {
	best := e.points[0].hash ^ key
	rank := e.points[0].rank
	for _, p := range e.points[1:] {
		if d := p.hash ^ key; d < best {
			best = d
			rank = p.rank
		}
	}
	return rank
}
