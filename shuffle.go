// Package shuffle implements the particle shuffling layer of the preload
// library: every per-particle write is routed, by a hash of the particle
// identifier, to the rank owning the matching shard of the indexed log
// directory. The package owns the placement function, the receiver-subset
// scheme, the local-bypass fast path, the epoch quiescence protocol, and
// the choice between the direct (NN) and multi-hop (XN) transport
// backends.
//
// A Shuffler is created once per process with New, fed records through
// Write, quiesced between simulation timesteps with the epoch hooks, and
// torn down with Finalize. All configuration arrives through the
// environment (ConfigFromEnv) the way the rest of the preload layer is
// configured.
package shuffle

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/shuffle/internal/frame"
	"github.com/dreamware/shuffle/internal/mon"
	"github.com/dreamware/shuffle/internal/nn"
	"github.com/dreamware/shuffle/internal/placement"
	"github.com/dreamware/shuffle/internal/procgroup"
	"github.com/dreamware/shuffle/internal/rpc"
	"github.com/dreamware/shuffle/internal/sink"
	"github.com/dreamware/shuffle/internal/xn"
)

// logFatal is a variable to allow intercepting fatal aborts in tests.
// Framing, addressing, placement, and quiescence violations are
// configuration bugs the shuffler cannot recover from.
var logFatal = log.Fatalf

// Type selects the transport backend.
type Type int

const (
	// TypeNN is the direct neighbor-to-neighbor backend.
	TypeNN Type = iota
	// TypeXN is the scalable multi-hop backend.
	TypeXN
)

func (t Type) String() string {
	if t == TypeXN {
		return "XN"
	}
	return "NN"
}

// Backend is the contract both transport backends satisfy. The router
// never knows which one is active.
type Backend interface {
	Rank() int
	WorldSize() int
	Enqueue(f []byte, dst, src, epoch int) error
	EpochPreStart()
	EpochStart()
	EpochEnd()
	Pause()
	Resume()
	Destroy() error
}

// ListenFunc binds a transport endpoint for the selected backend.
type ListenFunc func(uri string, h rpc.Handler) (rpc.Endpoint, error)

// Options configures New. Group and Sink are required; the frame field
// widths are fixed per run and validated against the wire-format
// ceiling.
type Options struct {
	Group procgroup.Group // world communicator; referenced, not owned
	Sink  sink.Sink       // local write sink (foreign-write entry)

	FnameLen     int // identifier bytes per record, 1..254
	DataLen      int // payload bytes per record
	ExtraDataLen int // zero-filled padding per record

	Config Config

	// Listen overrides the transport. Defaults to HTTP for network
	// protocols and the process-wide loopback for the sm family.
	Listen ListenFunc

	// Fatalf overrides the abort hook, for tests.
	Fatalf func(format string, args ...any)
}

// Shuffler is the process-wide shuffle context.
type Shuffler struct {
	cfg    Config
	typ    Type
	layout frame.Layout
	g      procgroup.Group
	snk    sink.Sink
	fatalf func(string, ...any)

	backend Backend
	nnRep   *nn.Backend // set when typ == TypeNN
	xnRep   *xn.Backend // set when typ == TypeXN

	place *placement.Engine // nil when placement is bypassed

	recvMask  uint32
	recvRadix int
	recvRate  uint32
	recvComm  procgroup.Group // nil on non-receivers

	ctr mon.Counters
	uri string

	traceMu sync.Mutex
	trace   io.WriteCloser // nil unless testin mode opened a log
}

// New initializes the shuffle layer: resolves the endpoint uri, starts
// the selected backend, builds the placement engine and the receiver
// subgroup. Collective over the group. Configuration or transport
// failures abort.
func New(opts Options) *Shuffler {
	s := &Shuffler{
		cfg:    opts.Config.withDefaults(),
		g:      opts.Group,
		snk:    opts.Sink,
		fatalf: opts.Fatalf,
		layout: frame.Layout{
			FnameLen: opts.FnameLen,
			DataLen:  opts.DataLen,
			ExtraLen: opts.ExtraDataLen,
		},
	}
	if s.fatalf == nil {
		s.fatalf = logFatal
	}
	if s.g == nil || s.snk == nil {
		s.fatalf("shuffle: group and sink are required")
		return nil
	}
	if err := s.layout.Validate(); err != nil {
		s.fatalf("shuffle: %v", err)
		return nil
	}
	rank0 := s.g.Rank() == 0

	if rank0 && s.cfg.FinalizePause > 0 {
		log.Printf("[shuffle] finalize pause: %d secs", s.cfg.FinalizePause)
	}
	if rank0 {
		if s.cfg.ForceRPC {
			log.Printf("[shuffle] force_rpc is ON, will invoke rpc even when addr is local")
		} else {
			log.Printf("[shuffle] force_rpc is OFF (will skip rpc if addr is local), " +
				"main thread may be blocked on writing")
		}
	}

	if s.cfg.UseMultihop {
		s.typ = TypeXN
		if rank0 {
			log.Printf("[shuffle] using the scalable multi-hop shuffler")
		}
	} else {
		s.typ = TypeNN
		if rank0 {
			log.Printf("[shuffle] using the default NN shuffler: may not scale well, " +
				"switch to multi-hop for better scalability")
		}
	}

	uri, err := rpc.PrepareURI(s.g, rpc.URIConfig{
		Proto:   s.cfg.MercuryProto,
		Subnet:  s.cfg.Subnet,
		MinPort: s.cfg.MinPort,
		MaxPort: s.cfg.MaxPort,
	})
	if err != nil {
		s.fatalf("shuffle: %v", err)
		return nil
	}
	s.uri = uri

	listen := opts.Listen
	if listen == nil {
		if strings.Contains(s.cfg.MercuryProto, "sm") {
			listen = rpc.DefaultLoopback.Listen
		} else {
			listen = rpc.ListenHTTP
		}
	}

	switch s.typ {
	case TypeXN:
		rep, err := xn.New(xn.Options{
			Group:    s.g,
			Layout:   s.layout,
			URI:      uri,
			Listen:   xn.ListenFunc(listen),
			Deliver:  s.handleDeliver,
			Counters: &s.ctr,
			Fatalf:   s.fatalf,
		})
		if err != nil {
			s.fatalf("shuffle: xn init: %v", err)
			return nil
		}
		s.xnRep = rep
		s.backend = rep
	default:
		rep, err := nn.New(nn.Options{
			Group:     s.g,
			Layout:    s.layout,
			URI:       uri,
			Listen:    nn.ListenFunc(listen),
			Deliver:   s.handleDeliver,
			Counters:  &s.ctr,
			ForceSync: s.cfg.ForceSync,
			Fatalf:    s.fatalf,
		})
		if err != nil {
			s.fatalf("shuffle: nn init: %v", err)
			return nil
		}
		s.nnRep = rep
		s.backend = rep
	}

	world := s.backend.WorldSize()
	if !s.cfg.BypassPlacement {
		s.place, err = placement.New(s.cfg.PlacementProtocol, world, s.cfg.VirtualFactor, 0)
		if err != nil {
			s.fatalf("shuffle: ch_init: %v", err)
			return nil
		}
		if rank0 {
			log.Printf("[shuffle] ch-placement group size: %s (vir-factor: %s, proto: %s)",
				prettyNum(float64(world)), prettyNum(float64(s.cfg.VirtualFactor)),
				s.cfg.PlacementProtocol)
		}
	} else if rank0 {
		log.Printf("[shuffle] WARNING: ch-placement bypassed")
	}

	s.initReceivers(rank0)

	if s.cfg.Testin && s.cfg.Log != "" {
		f, err := os.OpenFile(s.cfg.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.fatalf("shuffle: open trace log: %v", err)
			return nil
		}
		s.trace = f
	}
	return s
}

// initReceivers derives the receiver mask from the configured radix and
// splits off the dedicated receiver communicator.
func (s *Shuffler) initReceivers(rank0 bool) {
	radix := s.cfg.RecvRadix
	if radix < 0 {
		radix = 0
	}
	if radix > 8 {
		radix = 8
	}
	s.recvRadix = radix
	s.recvMask = ^uint32(0) << radix
	s.recvRate = 1 << radix
	if rank0 {
		log.Printf("[shuffle] receiver mask = %#x, %d senders per receiver",
			s.recvMask, s.recvRate)
	}

	color := -1
	if s.IsReceiver() {
		color = 0
	}
	s.recvComm = s.g.Split(color, s.g.Rank())
}

// Rank returns this process's world rank.
func (s *Shuffler) Rank() int { return s.backend.Rank() }

// WorldSize returns the number of ranks.
func (s *Shuffler) WorldSize() int { return s.backend.WorldSize() }

// URI returns the transport endpoint uri resolved at init.
func (s *Shuffler) URI() string { return s.uri }

// Type returns the active backend flavor.
func (s *Shuffler) Type() Type { return s.typ }

// ReceiverMask returns the destination mask derived from the radix.
func (s *Shuffler) ReceiverMask() uint32 { return s.recvMask }

// ReceiverRate returns the number of senders collapsed onto each
// receiver, 1 when everyone receives.
func (s *Shuffler) ReceiverRate() uint32 { return s.recvRate }

// IsReceiver reports whether this rank accepts storage writes.
func (s *Shuffler) IsReceiver() bool {
	r := uint32(s.backend.Rank())
	return r&s.recvMask == r
}

// EveryoneIsReceiver reports whether the mask is all ones.
func (s *Shuffler) EveryoneIsReceiver() bool { return s.recvMask == ^uint32(0) }

// ReceiverRank returns this rank's index within the receiver subgroup.
// Only meaningful on receivers.
func (s *Shuffler) ReceiverRank() int {
	return s.backend.Rank() >> s.recvRadix
}

// Counters exposes the monitor context for the external metrics sink.
func (s *Shuffler) Counters() *mon.Counters { return &s.ctr }

// Pause suspends backend background activity during cpu-bound caller
// phases. Honoring it is backend-optional; XN ignores it.
func (s *Shuffler) Pause() { s.backend.Pause() }

// Resume releases a paused backend.
func (s *Shuffler) Resume() { s.backend.Resume() }

// Finalize tears the shuffle layer down: drains the backend, sleeps the
// configured grace period, runs the teardown reductions, and releases
// the receiver communicator. Must follow the last epoch end; collective
// over the group.
func (s *Shuffler) Finalize() {
	if err := s.backend.Destroy(); err != nil {
		log.Printf("[shuffle] backend teardown: %v", err)
	}
	if s.cfg.FinalizePause > 0 {
		time.Sleep(time.Duration(s.cfg.FinalizePause) * time.Second)
	}

	s.reduceStats()

	if s.recvComm != nil {
		s.recvComm.Free()
		s.recvComm = nil
	}
	s.place = nil

	s.traceMu.Lock()
	if s.trace != nil {
		s.trace.Close()
		s.trace = nil
	}
	s.traceMu.Unlock()
}

// tracef appends one record-trace line when testin mode is on.
func (s *Shuffler) tracef(format string, args ...any) {
	s.traceMu.Lock()
	if s.trace != nil {
		fmt.Fprintf(s.trace, format+"\n", args...)
	}
	s.traceMu.Unlock()
}
