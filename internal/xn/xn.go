// Package xn implements the scalable multi-hop shuffle backend. A record
// destined for a remote node takes up to three hops: intra-node to this
// node's forwarder, inter-node between forwarders, and intra-node to the
// destination rank. Each rank then only keeps transport state for its
// node peers and the forwarder set, which is what lets the backend scale
// past the direct shuffler.
//
// Local and remote traffic are counted separately; epoch_start captures
// the per-epoch deltas into the shared monitor context. Delivery is
// acknowledged inband, so delivered equals sends on this path.
package xn

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shuffle/internal/frame"
	"github.com/dreamware/shuffle/internal/mon"
	"github.com/dreamware/shuffle/internal/procgroup"
	"github.com/dreamware/shuffle/internal/rpc"
)

// DeliverFunc receives one inbound record on the destination rank.
type DeliverFunc func(name string, data []byte, epoch, src, dst int) error

// ListenFunc binds a transport endpoint.
type ListenFunc func(uri string, h rpc.Handler) (rpc.Endpoint, error)

// Options configures a Backend.
type Options struct {
	Group    procgroup.Group // world communicator; not owned
	Layout   frame.Layout
	URI      string
	Listen   ListenFunc
	Deliver  DeliverFunc
	Counters *mon.Counters
	Window   int // max outstanding hop sends, default 64
	Fatalf   func(format string, args ...any)
}

const defaultWindow = 64

// hop message header: final dst, final src, epoch, hop kind.
const (
	hdrLen    = 13
	hopLocal  = 0
	hopRemote = 1
)

// flowStat is one direction's cumulative hop counters.
type flowStat struct {
	sends atomic.Uint64
	recvs atomic.Uint64
}

// Stat is a plain snapshot of the backend's hop counters.
type Stat struct {
	LocalSends  uint64
	LocalRecvs  uint64
	RemoteSends uint64
	RemoteRecvs uint64
}

// Backend is the multi-hop shuffle backend.
type Backend struct {
	g       procgroup.Group
	layout  frame.Layout
	ep      rpc.Endpoint
	peers   []string // world rank -> uri
	fwdOf   []int    // world rank -> its node's forwarder rank
	deliver DeliverFunc
	ctr     *mon.Counters
	fatalf  func(string, ...any)
	window  int

	mu      sync.Mutex
	cond    *sync.Cond
	pending int

	// activity counts hop sends initiated since the last drain round;
	// the epoch-end rounds allreduce it to detect global quiescence.
	activity atomic.Uint64

	local  flowStat
	remote flowStat
	last   Stat // snapshot at the previous epoch start
}

// New constructs the backend and discovers the node topology: each rank
// learns every rank's endpoint and the forwarder (node-local rank 0) of
// every node. Collective over the group.
func New(opts Options) (*Backend, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{
		g:       opts.Group,
		layout:  opts.Layout,
		deliver: opts.Deliver,
		ctr:     opts.Counters,
		fatalf:  opts.Fatalf,
		window:  opts.Window,
	}
	if b.fatalf == nil {
		b.fatalf = log.Fatalf
	}
	if b.window <= 0 {
		b.window = defaultWindow
	}
	b.cond = sync.NewCond(&b.mu)

	ep, err := opts.Listen(opts.URI, b.handleHop)
	if err != nil {
		return nil, fmt.Errorf("xn: listen %s: %w", opts.URI, err)
	}
	b.ep = ep

	all := opts.Group.Allgather([]byte(ep.URI()))
	b.peers = make([]string, len(all))
	for r, u := range all {
		b.peers[r] = string(u)
	}

	// My node's forwarder is the member at node-local rank 0; allgather
	// gives every rank's forwarder, which doubles as the node id.
	node := opts.Group.SplitNode()
	members := node.Allgather(rankBytes(opts.Group.Rank()))
	myFwd := rankOf(members[0])
	node.Free()

	fwds := opts.Group.Allgather(rankBytes(myFwd))
	b.fwdOf = make([]int, len(fwds))
	for r, f := range fwds {
		b.fwdOf[r] = rankOf(f)
	}
	return b, nil
}

func rankBytes(r int) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(r))
	return b[:]
}

func rankOf(b []byte) int {
	return int(binary.LittleEndian.Uint32(b))
}

// WorldSize returns the number of ranks.
func (b *Backend) WorldSize() int { return b.g.Size() }

// Rank returns this process's rank.
func (b *Backend) Rank() int { return b.g.Rank() }

func (b *Backend) sameNode(a, c int) bool { return b.fwdOf[a] == b.fwdOf[c] }

// Enqueue routes one frame toward dst. Same-node destinations get a
// single local hop; remote destinations go through this node's
// forwarder. Blocks when the hop window is exhausted.
func (b *Backend) Enqueue(f []byte, dst, src, epoch int) error {
	if dst < 0 || dst >= len(b.peers) {
		return fmt.Errorf("xn: destination %d out of range", dst)
	}
	msg := make([]byte, hdrLen+len(f))
	binary.LittleEndian.PutUint32(msg[0:4], uint32(dst))
	binary.LittleEndian.PutUint32(msg[4:8], uint32(src))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(epoch))
	copy(msg[hdrLen:], f)

	b.route(msg, dst, true)
	return nil
}

// route sends msg one hop toward its final destination. Origin sends
// honor the hop window; forwarded sends do not, because blocking the
// delivery goroutine on downstream credit can cycle into deadlock.
func (b *Backend) route(msg []byte, dst int, bounded bool) {
	me := b.g.Rank()
	var next int
	var kind byte
	switch {
	case b.sameNode(me, dst):
		next, kind = dst, hopLocal
	case me == b.fwdOf[me]:
		next, kind = b.fwdOf[dst], hopRemote
	default:
		next, kind = b.fwdOf[me], hopLocal
	}
	msg[12] = kind

	b.mu.Lock()
	for bounded && b.pending >= b.window {
		b.cond.Wait()
	}
	b.pending++
	b.mu.Unlock()

	b.activity.Add(1)
	if kind == hopLocal {
		b.local.sends.Add(1)
	} else {
		b.remote.sends.Add(1)
	}

	err := b.ep.Send(b.peers[next], msg, func(reply []byte, err error) {
		b.mu.Lock()
		b.pending--
		b.cond.Broadcast()
		b.mu.Unlock()
		if err != nil {
			b.fatalf("xn: hop to rank %d failed: %v", next, err)
		}
	})
	if err != nil {
		b.fatalf("xn: send to rank %d failed: %v", next, err)
	}
}

// handleHop receives one hop: count it, then either deliver (final
// destination) or forward the message along its route.
func (b *Backend) handleHop(from string, body []byte) ([]byte, error) {
	if len(body) != hdrLen+b.layout.WireLen() {
		b.fatalf("xn: inbound hop of %d bytes, want %d", len(body), hdrLen+b.layout.WireLen())
		return nil, fmt.Errorf("xn: size mismatch")
	}
	dst := int(binary.LittleEndian.Uint32(body[0:4]))
	src := int(binary.LittleEndian.Uint32(body[4:8]))
	epoch := int(binary.LittleEndian.Uint32(body[8:12]))
	kind := body[12]

	if kind == hopLocal {
		b.local.recvs.Add(1)
	} else {
		b.remote.recvs.Add(1)
	}

	me := b.g.Rank()
	if dst != me {
		// Transit: forward on a fresh buffer, the transport owns body.
		msg := make([]byte, len(body))
		copy(msg, body)
		b.route(msg, dst, false)
		return []byte{0}, nil
	}

	name, data, err := b.layout.Decode(body[hdrLen:])
	if err != nil {
		b.fatalf("xn: inbound frame: %v", err)
		return nil, err
	}
	if err := b.deliver(name, data, epoch, src, me); err != nil {
		return nil, err
	}
	return []byte{0}, nil
}

// EpochPreStart re-arms the backend for the next epoch. The drain rounds
// of the previous epoch end have already zeroed the activity counter.
func (b *Backend) EpochPreStart() {
	b.activity.Store(0)
}

// EpochStart captures the per-epoch counter deltas into the shared
// monitor context and rotates the snapshot. Delivery is acknowledged
// inband, so delivered equals sends in both flows.
func (b *Backend) EpochStart() {
	cur := b.Snapshot()
	b.ctr.Local.SetDelta(cur.LocalSends-b.last.LocalSends, cur.LocalRecvs-b.last.LocalRecvs)
	b.ctr.Remote.SetDelta(cur.RemoteSends-b.last.RemoteSends, cur.RemoteRecvs-b.last.RemoteRecvs)
	b.last = cur
}

// EpochEnd drains the epoch's in-flight messages. Multi-hop traffic can
// be resting in a forwarder when the local window empties, so the drain
// runs in rounds: wait for local quiescence, then allreduce the hop
// activity since the previous round. A hop forwarded concurrently with a
// silent round surfaces in the following one, so two consecutive silent
// rounds mean no message is in flight anywhere. Collective over the
// group.
func (b *Backend) EpochEnd() {
	quiet := 0
	for quiet < 2 {
		b.drainLocal()
		moved := b.g.Allreduce([]uint64{b.activity.Swap(0)}, procgroup.OpSum)
		if moved[0] == 0 {
			quiet++
		} else {
			quiet = 0
		}
	}
}

// drainLocal waits until every hop this rank initiated has been
// processed by its receiver.
func (b *Backend) drainLocal() {
	b.mu.Lock()
	for b.pending > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Pause is a no-op: the multi-hop backend has no parked progress state.
func (b *Backend) Pause() {}

// Resume is a no-op.
func (b *Backend) Resume() {}

// Destroy drains and closes the endpoint. Must follow the last epoch
// end; collective over the group.
func (b *Backend) Destroy() error {
	b.EpochEnd()
	return b.ep.Close()
}

// Snapshot returns the cumulative hop counters.
func (b *Backend) Snapshot() Stat {
	return Stat{
		LocalSends:  b.local.sends.Load(),
		LocalRecvs:  b.local.recvs.Load(),
		RemoteSends: b.remote.sends.Load(),
		RemoteRecvs: b.remote.recvs.Load(),
	}
}
