package shuffle

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shuffle/internal/procgroup"
	"github.com/dreamware/shuffle/internal/rpc"
	"github.com/dreamware/shuffle/internal/sink"
)

// testPayload fills the 16-byte payload slot used across these tests.
var testPayload = []byte("payloadXXXXXXXXX")

// world bundles one test world's shufflers and sinks, indexed by rank.
type world struct {
	shufs []*Shuffler
	sinks []*sink.MemSink
}

var testPortBase = 53000

// startWorld builds an n-rank shuffle world over a private loopback
// network. Each rank runs on its own goroutine, as init is collective.
func startWorld(t *testing.T, n int, cfg Config) *world {
	t.Helper()
	net := rpc.NewLoopbackNet()
	groups := procgroup.NewLocalWorld(n)

	// Distinct port windows keep concurrent tests off each other's
	// probe ranges.
	if cfg.MinPort == 0 {
		testPortBase += 200
		cfg.MinPort = testPortBase
		cfg.MaxPort = testPortBase + 199
	}
	if cfg.Subnet == "" {
		cfg.Subnet = "127."
	}

	w := &world{shufs: make([]*Shuffler, n), sinks: make([]*sink.MemSink, n)}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.sinks[i] = sink.NewMemSink()
			w.shufs[i] = New(Options{
				Group:    groups[i],
				Sink:     w.sinks[i],
				FnameLen: 8,
				DataLen:  16,
				Config:   cfg,
				Listen:   net.Listen,
				Fatalf: func(format string, args ...any) {
					t.Errorf("fatal: "+format, args...)
				},
			})
		}(i)
	}
	wg.Wait()
	return w
}

func (w *world) each(fn func(i int, s *Shuffler)) {
	var wg sync.WaitGroup
	for i, s := range w.shufs {
		wg.Add(1)
		go func(i int, s *Shuffler) {
			defer wg.Done()
			fn(i, s)
		}(i, s)
	}
	wg.Wait()
}

func (w *world) finalize() {
	w.each(func(i int, s *Shuffler) { s.Finalize() })
}

// namesFor probes identifiers until one routes to each wanted rank,
// returning a map destination -> identifier.
func namesFor(s *Shuffler, wanted ...int) map[int]string {
	out := make(map[int]string)
	for i := 0; len(out) < len(wanted); i++ {
		name := fmt.Sprintf("key%04d", i)
		dst := s.Route(name)
		for _, r := range wanted {
			if dst == r {
				if _, ok := out[r]; !ok {
					out[r] = name
				}
			}
		}
	}
	return out
}

// TestSingleRank is the world-of-one scenario: one record, delivered
// locally through the bypass, exact bytes and epoch at the sink.
func TestSingleRank(t *testing.T) {
	w := startWorld(t, 1, Config{})
	s := w.shufs[0]

	require.NoError(t, s.Write("abc", testPayload, 0))

	recs := w.sinks[0].Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "abc", recs[0].Name)
	assert.Equal(t, testPayload, recs[0].Data)
	assert.Equal(t, 0, recs[0].Epoch)

	// World of one: everything is local.
	assert.Equal(t, uint64(1), s.Counters().Local.Sends.Load())
	assert.Equal(t, uint64(0), s.Counters().Remote.Sends.Load())

	w.finalize()
}

// TestTwoRankSplit submits one local and one remote record from rank 0
// and checks both sinks and the counter totals.
func TestTwoRankSplit(t *testing.T) {
	w := startWorld(t, 2, Config{})
	s0 := w.shufs[0]

	names := namesFor(s0, 0, 1)
	require.NoError(t, s0.Write(names[0], testPayload, 0))
	require.NoError(t, s0.Write(names[1], testPayload, 0))
	w.each(func(i int, s *Shuffler) { s.EpochEnd() })

	// Local record bypassed the transport into rank 0's sink.
	recs0 := w.sinks[0].Records()
	require.Len(t, recs0, 1)
	assert.Equal(t, names[0], recs0[0].Name)

	// Remote record arrived via rpc at rank 1.
	recs1 := w.sinks[1].Records()
	require.Len(t, recs1, 1)
	assert.Equal(t, names[1], recs1[0].Name)

	assert.Equal(t, uint64(1), s0.Counters().Local.Sends.Load())
	assert.Equal(t, uint64(1), s0.Counters().Remote.Sends.Load())
	assert.Equal(t, uint64(1), w.shufs[1].Counters().Remote.Recvs.Load())

	w.finalize()
}

// TestReceiverMask is the radix-1 scenario: in a 4-rank world only even
// ranks receive, and every routed destination is a receiver.
func TestReceiverMask(t *testing.T) {
	w := startWorld(t, 4, Config{RecvRadix: 1})

	// Exactly world/2 receivers, and membership matches the subgroup.
	receivers := 0
	for _, s := range w.shufs {
		if s.IsReceiver() {
			receivers++
		}
	}
	assert.Equal(t, 2, receivers)
	assert.True(t, w.shufs[0].IsReceiver())
	assert.False(t, w.shufs[1].IsReceiver())
	assert.True(t, w.shufs[2].IsReceiver())
	assert.False(t, w.shufs[3].IsReceiver())

	// Every destination carries the mask.
	s3 := w.shufs[3]
	for i := 0; i < 500; i++ {
		name := fmt.Sprintf("key%04d", i)
		dst := s3.Route(name)
		assert.Equal(t, dst, dst&int(s3.ReceiverMask()), "destination %d is not a receiver", dst)
		assert.Contains(t, []int{0, 2}, dst)
	}

	// Writes from a non-receiver land on receivers only.
	for i := 0; i < 64; i++ {
		require.NoError(t, s3.Write(fmt.Sprintf("key%04d", i), testPayload, 0))
	}
	w.each(func(i int, s *Shuffler) { s.EpochEnd() })
	assert.Zero(t, w.sinks[1].Stats().Records)
	assert.Zero(t, w.sinks[3].Stats().Records)
	assert.Equal(t, 64,
		w.sinks[0].Stats().Records+w.sinks[2].Stats().Records)

	w.finalize()
}

// TestReceiverRank tests the subgroup rank remap
func TestReceiverRank(t *testing.T) {
	w := startWorld(t, 4, Config{RecvRadix: 1})
	assert.Equal(t, 0, w.shufs[0].ReceiverRank())
	assert.Equal(t, 1, w.shufs[2].ReceiverRank())
	assert.False(t, w.shufs[0].EveryoneIsReceiver())
	assert.Equal(t, uint32(2), w.shufs[0].ReceiverRate())
	w.finalize()
}

// TestPlacementDeterminism verifies every rank routes 10000 identifiers
// to the same destinations (ring protocol, world of 8 in-process ranks).
func TestPlacementDeterminism(t *testing.T) {
	w := startWorld(t, 8, Config{PlacementProtocol: "ring"})

	table := make([]int, 10000)
	for i := range table {
		table[i] = w.shufs[0].Route(fmt.Sprintf("particle%06d", i))
	}
	for r := 1; r < 8; r++ {
		for i := range table {
			if got := w.shufs[r].Route(fmt.Sprintf("particle%06d", i)); got != table[i] {
				t.Fatalf("rank %d routes particle%06d to %d, rank 0 to %d", r, i, got, table[i])
			}
		}
	}
	w.finalize()
}

// TestFrameSizeGuard is the init-time abort for an oversized frame:
// fname 100 + data 150 + extra 10 + terminator = 261 > 255.
func TestFrameSizeGuard(t *testing.T) {
	var fatal string
	g := procgroup.NewLocalWorld(1)[0]
	New(Options{
		Group:        g,
		Sink:         sink.NewMemSink(),
		FnameLen:     100,
		DataLen:      150,
		ExtraDataLen: 10,
		Config:       Config{Subnet: "127."},
		Fatalf: func(format string, args ...any) {
			if fatal == "" {
				fatal = fmt.Sprintf(format, args...)
			}
		},
	})
	assert.Contains(t, fatal, "exceeds")
}

// TestWriteLengthGuard verifies mis-sized records abort instead of
// going on the wire.
func TestWriteLengthGuard(t *testing.T) {
	var mu sync.Mutex
	var fatals []string
	net := rpc.NewLoopbackNet()
	g := procgroup.NewLocalWorld(1)[0]
	testPortBase += 200
	s := New(Options{
		Group:    g,
		Sink:     sink.NewMemSink(),
		FnameLen: 8,
		DataLen:  16,
		Config:   Config{Subnet: "127.", MinPort: testPortBase, MaxPort: testPortBase + 99},
		Listen:   net.Listen,
		Fatalf: func(format string, args ...any) {
			mu.Lock()
			fatals = append(fatals, fmt.Sprintf(format, args...))
			mu.Unlock()
		},
	})

	assert.Error(t, s.Write("abc", []byte("short"), 0))
	assert.Error(t, s.Write("way-too-long-name", testPayload, 0))
	mu.Lock()
	assert.Len(t, fatals, 2)
	mu.Unlock()

	s.Finalize()
}

// TestForceRPCEquivalence checks the local-bypass equivalence property:
// with and without force_rpc the sink observes the same records for
// identifiers routed to the local rank.
func TestForceRPCEquivalence(t *testing.T) {
	collect := func(cfg Config) map[string]int {
		w := startWorld(t, 2, cfg)
		defer w.finalize()

		// Only rank-0-routed identifiers, submitted at rank 0.
		names := make([]string, 0, 32)
		for i := 0; len(names) < 32; i++ {
			name := fmt.Sprintf("key%05d", i)
			if w.shufs[0].Route(name) == 0 {
				names = append(names, name)
			}
		}
		for _, name := range names {
			require.NoError(t, w.shufs[0].Write(name, testPayload, 0))
		}
		w.each(func(i int, s *Shuffler) { s.EpochEnd() })

		got := make(map[string]int)
		for _, rec := range w.sinks[0].Records() {
			got[rec.Name]++
		}
		return got
	}

	bypass := collect(Config{})
	forced := collect(Config{ForceRPC: true})
	assert.Equal(t, bypass, forced)
}

// TestEpochQuiescence is the two-rank flood: after EpochEnd returns,
// every record of the epoch is at its destination, and epoch 1 records
// only appear afterwards.
func TestEpochQuiescence(t *testing.T) {
	const records = 1000
	w := startWorld(t, 2, Config{ParanoidBarrier: true})

	// Rank 0 sends everything to whatever rank 1 identifiers exist.
	names := make([]string, 0, records)
	for i := 0; len(names) < records; i++ {
		name := fmt.Sprintf("key%06d", i)
		if w.shufs[0].Route(name) == 1 {
			names = append(names, name)
		}
	}

	w.each(func(i int, s *Shuffler) {
		if i == 0 {
			for _, name := range names {
				require.NoError(t, s.Write(name, testPayload, 0))
			}
		}
		s.EpochEnd()

		// Quiescence point: all epoch-0 records delivered before any
		// rank proceeds.
		if i == 1 {
			assert.Equal(t, records, w.sinks[1].Stats().Records)
		}

		s.EpochPreStart()
		s.EpochStart()
		if i == 0 {
			require.NoError(t, s.Write(names[0], testPayload, 1))
		}
		s.EpochEnd()
	})

	// Exactly one epoch-1 record, after the epoch-0 set.
	recs := w.sinks[1].Records()
	require.Len(t, recs, records+1)
	assert.Equal(t, 1, recs[records].Epoch)

	w.finalize()
}

// TestXNEndToEnd drives the multi-hop backend through the public API.
func TestXNEndToEnd(t *testing.T) {
	w := startWorld(t, 4, Config{UseMultihop: true})

	w.each(func(i int, s *Shuffler) {
		assert.Equal(t, TypeXN, s.Type())
		for j := 0; j < 50; j++ {
			require.NoError(t, s.Write(fmt.Sprintf("r%dkey%04d", i, j), testPayload, 0))
		}
		s.EpochEnd()
	})

	total := 0
	for _, sk := range w.sinks {
		total += sk.Stats().Records
	}
	assert.Equal(t, 200, total)

	w.finalize()
}

// TestBypassPlacement tests the diagnostic modulo-hash mode
func TestBypassPlacement(t *testing.T) {
	w := startWorld(t, 4, Config{BypassPlacement: true})
	for i := 0; i < 100; i++ {
		dst := w.shufs[0].Route(fmt.Sprintf("key%04d", i))
		assert.GreaterOrEqual(t, dst, 0)
		assert.Less(t, dst, 4)
	}
	w.finalize()
}
