// Package nn implements the direct (neighbor-to-neighbor) shuffle
// backend: every record travels in a single rpc from its origin to its
// destination, with per-destination batching to amortize transport
// overhead. A background progress loop samples its own cadence and the
// receive path samples rpc batch sizes; both histograms are reported at
// teardown.
//
// The backend does not scale to large worlds (every rank talks to every
// receiver) but its flat topology makes it the reference for correctness
// runs.
package nn

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/shuffle/internal/frame"
	"github.com/dreamware/shuffle/internal/hist"
	"github.com/dreamware/shuffle/internal/mon"
	"github.com/dreamware/shuffle/internal/procgroup"
	"github.com/dreamware/shuffle/internal/rpc"
)

// DeliverFunc receives one inbound record on the destination rank.
type DeliverFunc func(name string, data []byte, epoch, src, dst int) error

// ListenFunc binds a transport endpoint, rpc.ListenHTTP or a loopback
// network's Listen.
type ListenFunc func(uri string, h rpc.Handler) (rpc.Endpoint, error)

// Options configures a Backend.
type Options struct {
	Group     procgroup.Group // world communicator; not owned
	Layout    frame.Layout    // wire frame geometry
	URI       string          // this rank's endpoint uri from PrepareURI
	Listen    ListenFunc
	Deliver   DeliverFunc
	Counters  *mon.Counters // shared monitor context
	ForceSync bool          // wait for every rpc reply inline
	BatchSize int           // target rpc body bytes, default 32KiB
	Window    int           // max outstanding rpcs, default 16
	Fatalf    func(format string, args ...any)
}

const (
	defaultBatchSize = 32 << 10
	defaultWindow    = 16

	// progressTick paces the background progress loop.
	progressTick = 50 * time.Millisecond

	// batch header: src, epoch, frame count.
	hdrLen = 12
)

// queue is one destination's open rpc batch.
type queue struct {
	buf   []byte
	count int
	epoch int
}

// Phase tags one cpu accounting window.
type Phase struct {
	Tag       string
	UsrMicros uint64
	SysMicros uint64
}

// Backend is the direct shuffle backend.
type Backend struct {
	g       procgroup.Group
	layout  frame.Layout
	ep      rpc.Endpoint
	peers   []string // rank -> uri
	deliver DeliverFunc
	ctr     *mon.Counters
	fatalf  func(string, ...any)

	forceSync bool
	batchSize int
	window    int

	mu       sync.Mutex
	cond     *sync.Cond
	queues   []*queue
	inflight int
	paused   bool

	totalWrites atomic.Uint64
	totalMsgsz  atomic.Uint64
	totalRPCs   atomic.Uint64

	histMu  sync.Mutex
	hgIntvl hist.Histogram // progress loop interval, milliseconds
	iqDep   hist.Histogram // records per inbound rpc

	usage  [4]Phase
	usage0 cpuSnapshot

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs the backend, opens the transport endpoint, and starts
// the progress loop. The peer table is exchanged through the group, so
// New is collective over it.
func New(opts Options) (*Backend, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{
		g:         opts.Group,
		layout:    opts.Layout,
		deliver:   opts.Deliver,
		ctr:       opts.Counters,
		fatalf:    opts.Fatalf,
		forceSync: opts.ForceSync,
		batchSize: opts.BatchSize,
		window:    opts.Window,
		stop:      make(chan struct{}),
	}
	if b.fatalf == nil {
		b.fatalf = log.Fatalf
	}
	if b.batchSize <= 0 {
		b.batchSize = defaultBatchSize
	}
	if b.window <= 0 {
		b.window = defaultWindow
	}
	b.cond = sync.NewCond(&b.mu)
	b.queues = make([]*queue, opts.Group.Size())

	initStart := cpuNow()

	ep, err := opts.Listen(opts.URI, b.handleRPC)
	if err != nil {
		return nil, fmt.Errorf("nn: listen %s: %w", opts.URI, err)
	}
	b.ep = ep

	// Everyone learns everyone's endpoint.
	all := opts.Group.Allgather([]byte(ep.URI()))
	b.peers = make([]string, len(all))
	for r, u := range all {
		b.peers[r] = string(u)
	}

	b.usage[0] = usageDelta("init", initStart, cpuNow())
	b.usage0 = cpuNow()

	b.wg.Add(1)
	go b.progressLoop()
	return b, nil
}

// WorldSize returns the number of ranks.
func (b *Backend) WorldSize() int { return b.g.Size() }

// Rank returns this process's rank.
func (b *Backend) Rank() int { return b.g.Rank() }

// Enqueue appends one frame to dst's open rpc batch, flushing first when
// the batch is full or belongs to an earlier epoch. Blocks when the
// outstanding-rpc window is exhausted; never drops.
func (b *Backend) Enqueue(f []byte, dst, src, epoch int) error {
	if dst < 0 || dst >= len(b.queues) {
		return fmt.Errorf("nn: destination %d out of range", dst)
	}
	b.totalWrites.Add(1)

	b.mu.Lock()
	q := b.queues[dst]
	if q == nil {
		q = &queue{buf: make([]byte, hdrLen, hdrLen+b.batchSize), epoch: epoch}
		b.queues[dst] = q
	}
	if q.count > 0 && (q.epoch != epoch || len(q.buf)+len(f) > hdrLen+b.batchSize) {
		b.flushLocked(dst)
		q = b.queues[dst]
	}
	q.epoch = epoch
	q.buf = append(q.buf, f...)
	q.count++
	b.mu.Unlock()
	return nil
}

// flushLocked sends dst's open batch and resets the queue. Called with
// b.mu held; may release and reacquire it while waiting for window
// space or, in force-sync mode, for the reply.
func (b *Backend) flushLocked(dst int) {
	q := b.queues[dst]
	if q == nil || q.count == 0 {
		return
	}
	binary.LittleEndian.PutUint32(q.buf[0:4], uint32(b.g.Rank()))
	binary.LittleEndian.PutUint32(q.buf[4:8], uint32(q.epoch))
	binary.LittleEndian.PutUint32(q.buf[8:12], uint32(q.count))
	body := q.buf
	b.queues[dst] = &queue{buf: make([]byte, hdrLen, hdrLen+b.batchSize)}

	for b.inflight >= b.window {
		b.cond.Wait()
	}
	b.inflight++

	b.totalRPCs.Add(1)
	b.totalMsgsz.Add(uint64(len(body)))
	b.ctr.Remote.CountSend()

	var replied chan error
	if b.forceSync {
		replied = make(chan error, 1)
	}
	err := b.ep.Send(b.peers[dst], body, func(reply []byte, err error) {
		b.mu.Lock()
		b.inflight--
		b.cond.Broadcast()
		b.mu.Unlock()
		if err == nil {
			b.ctr.Remote.CountDelivered()
		}
		if replied != nil {
			replied <- err
		} else if err != nil {
			b.fatalf("nn: rpc to rank %d failed: %v", dst, err)
		}
	})
	if err != nil {
		b.fatalf("nn: send to rank %d failed: %v", dst, err)
		return
	}

	if replied != nil {
		b.mu.Unlock()
		if err := <-replied; err != nil {
			b.fatalf("nn: rpc to rank %d failed: %v", dst, err)
		}
		b.mu.Lock()
	}
}

// handleRPC is the inbound path: validate the batch, split it into
// frames, and hand each to the delivery callback. Entry is serialized by
// the transport.
func (b *Backend) handleRPC(from string, body []byte) ([]byte, error) {
	if len(body) < hdrLen {
		b.fatalf("nn: inbound rpc of %d bytes", len(body))
		return nil, fmt.Errorf("nn: short rpc")
	}
	src := int(binary.LittleEndian.Uint32(body[0:4]))
	epoch := int(binary.LittleEndian.Uint32(body[4:8]))
	count := int(binary.LittleEndian.Uint32(body[8:12]))

	wire := b.layout.WireLen()
	if len(body) != hdrLen+count*wire {
		b.fatalf("nn: inbound rpc size mismatch: %d bytes for %d records", len(body), count)
		return nil, fmt.Errorf("nn: size mismatch")
	}

	b.histMu.Lock()
	b.iqDep.Add(float64(count))
	b.histMu.Unlock()

	b.ctr.Remote.CountRecv()

	me := b.g.Rank()
	for i := 0; i < count; i++ {
		f := body[hdrLen+i*wire : hdrLen+(i+1)*wire]
		name, data, err := b.layout.Decode(f)
		if err != nil {
			b.fatalf("nn: inbound frame: %v", err)
			return nil, err
		}
		if err := b.deliver(name, data, epoch, src, me); err != nil {
			return nil, err
		}
	}
	return []byte{0}, nil
}

// progressLoop samples its own cadence into the interval histogram and
// parks while the backend is paused.
func (b *Backend) progressLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(progressTick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		for b.paused {
			b.cond.Wait()
		}
		b.mu.Unlock()

		now := time.Now()
		b.histMu.Lock()
		b.hgIntvl.Add(float64(now.Sub(last)) / float64(time.Millisecond))
		b.histMu.Unlock()
		last = now
	}
}

// EpochPreStart waits for the background machinery to reach quiescence
// before a new epoch opens.
func (b *Backend) EpochPreStart() { b.BGWait() }

// EpochStart waits for background quiescence. NN counters are cumulative;
// per-epoch deltas are taken by the caller resetting the monitor context.
func (b *Backend) EpochStart() { b.BGWait() }

// EpochEnd drains the ending epoch: flush every open batch, then wait for
// all outstanding rpc replies. On return every enqueued frame has been
// delivered at its destination or reported fatal. In force-sync mode the
// flushes themselves wait, so the trailing wait is a formality.
func (b *Backend) EpochEnd() {
	t0 := cpuNow()
	b.mu.Lock()
	for dst := range b.queues {
		b.flushLocked(dst)
	}
	for b.inflight > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
	b.addUsage(2, "flush", t0, cpuNow())
}

// BGWait blocks until no rpcs are outstanding.
func (b *Backend) BGWait() {
	b.mu.Lock()
	for b.inflight > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Pause parks the background progress loop so the caller's cpu-bound
// phases run undisturbed. Outbound rpcs are unaffected.
func (b *Backend) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume releases a paused progress loop.
func (b *Backend) Resume() {
	b.mu.Lock()
	b.paused = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Destroy drains outstanding work, stops the progress loop, and closes
// the endpoint.
func (b *Backend) Destroy() error {
	t0 := cpuNow()
	b.EpochEnd()

	close(b.stop)
	b.mu.Lock()
	b.paused = false
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()

	err := b.ep.Close()
	b.addUsage(3, "fin", t0, cpuNow())
	b.usage[1] = usageDelta("run", b.usage0, cpuNow())
	return err
}

func (b *Backend) addUsage(i int, tag string, from, to cpuSnapshot) {
	d := usageDelta(tag, from, to)
	b.usage[i].Tag = tag
	b.usage[i].UsrMicros += d.UsrMicros
	b.usage[i].SysMicros += d.SysMicros
}

// Stats exposes the teardown statistics.
type Stats struct {
	TotalWrites uint64
	TotalMsgsz  uint64
	TotalRPCs   uint64
	Usage       []Phase
}

// Snapshot returns cumulative counters and cpu accounting.
func (b *Backend) Snapshot() Stats {
	return Stats{
		TotalWrites: b.totalWrites.Load(),
		TotalMsgsz:  b.totalMsgsz.Load(),
		TotalRPCs:   b.totalRPCs.Load(),
		Usage:       b.usage[:],
	}
}

// HgIntvl returns the progress-loop interval histogram. Only stable once
// the backend is destroyed.
func (b *Backend) HgIntvl() *hist.Histogram { return &b.hgIntvl }

// IqDep returns the records-per-rpc histogram. Only stable once the
// backend is destroyed.
func (b *Backend) IqDep() *hist.Histogram { return &b.iqDep }
