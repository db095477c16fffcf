// Package integration exercises the shuffle layer end to end: a
// multi-rank world over the in-process communicator, both backends,
// receiver subsetting, and multi-epoch quiescence, checking the
// conservation and determinism properties the routing contract promises.
package integration

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shuffle"
	"github.com/dreamware/shuffle/internal/procgroup"
	"github.com/dreamware/shuffle/internal/rpc"
	"github.com/dreamware/shuffle/internal/sink"
)

var payload = []byte("0123456789abcdefghijklmnopqrstuv") // 32 bytes

type cluster struct {
	shufs []*shuffle.Shuffler
	sinks []*sink.MemSink
}

var portBase = 56000

func startCluster(t *testing.T, n int, cfg shuffle.Config) *cluster {
	t.Helper()
	net := rpc.NewLoopbackNet()
	groups := procgroup.NewLocalWorld(n)

	portBase += 200
	cfg.Subnet = "127."
	cfg.MinPort = portBase
	cfg.MaxPort = portBase + 199

	c := &cluster{
		shufs: make([]*shuffle.Shuffler, n),
		sinks: make([]*sink.MemSink, n),
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.sinks[i] = sink.NewMemSink()
			c.shufs[i] = shuffle.New(shuffle.Options{
				Group:    groups[i],
				Sink:     c.sinks[i],
				FnameLen: 16,
				DataLen:  len(payload),
				Config:   cfg,
				Listen:   net.Listen,
				Fatalf: func(format string, args ...any) {
					t.Errorf("fatal: "+format, args...)
				},
			})
		}(i)
	}
	wg.Wait()
	return c
}

func (c *cluster) each(fn func(i int, s *shuffle.Shuffler)) {
	var wg sync.WaitGroup
	for i, s := range c.shufs {
		wg.Add(1)
		go func(i int, s *shuffle.Shuffler) {
			defer wg.Done()
			fn(i, s)
		}(i, s)
	}
	wg.Wait()
}

// TestDistributedShuffle runs three epochs of writes across eight ranks
// and verifies conservation, epoch labeling, and that every record landed
// on the rank the router named.
func TestDistributedShuffle(t *testing.T) {
	const (
		ranks   = 8
		perRank = 200
		epochs  = 3
	)
	c := startCluster(t, ranks, shuffle.Config{ParanoidBarrier: true})

	// Every rank knows where every record should land; collect the
	// expectation up front from rank 0's router.
	expect := make(map[int]map[string]bool) // dst -> names
	for r := 0; r < ranks; r++ {
		expect[r] = make(map[string]bool)
	}
	for e := 0; e < epochs; e++ {
		for r := 0; r < ranks; r++ {
			for i := 0; i < perRank; i++ {
				name := fmt.Sprintf("e%dr%dp%05d", e, r, i)
				expect[c.shufs[0].Route(name)][name] = true
			}
		}
	}

	c.each(func(i int, s *shuffle.Shuffler) {
		for e := 0; e < epochs; e++ {
			for j := 0; j < perRank; j++ {
				name := fmt.Sprintf("e%dr%dp%05d", e, i, j)
				require.NoError(t, s.Write(name, payload, e))
			}
			s.EpochEnd()
			s.EpochPreStart()
			s.EpochStart()
		}
	})

	total := 0
	for r, sk := range c.sinks {
		recs := sk.Records()
		total += len(recs)
		for _, rec := range recs {
			assert.True(t, expect[r][rec.Name],
				"rank %d received %s which routes to rank %d", r, rec.Name, c.shufs[0].Route(rec.Name))
			assert.Equal(t, fmt.Sprintf("e%d", rec.Epoch), rec.Name[:2], "epoch label of %s", rec.Name)
			assert.Equal(t, payload, rec.Data)
		}
	}
	assert.Equal(t, ranks*perRank*epochs, total, "record conservation")

	c.each(func(i int, s *shuffle.Shuffler) { s.Finalize() })
}

// TestReceiverSubsetEndToEnd runs a radix-2 world: 16 ranks, 4
// receivers, every record landing on a receiver.
func TestReceiverSubsetEndToEnd(t *testing.T) {
	const ranks = 16
	c := startCluster(t, ranks, shuffle.Config{RecvRadix: 2})

	receivers := 0
	for _, s := range c.shufs {
		if s.IsReceiver() {
			receivers++
		}
	}
	assert.Equal(t, ranks/4, receivers)

	c.each(func(i int, s *shuffle.Shuffler) {
		for j := 0; j < 100; j++ {
			require.NoError(t, s.Write(fmt.Sprintf("r%dp%04d", i, j), payload, 0))
		}
		s.EpochEnd()
	})

	total := 0
	for r, sk := range c.sinks {
		n := sk.Stats().Records
		if r%4 != 0 {
			assert.Zero(t, n, "non-receiver rank %d got %d records", r, n)
		}
		total += n
	}
	assert.Equal(t, ranks*100, total)

	c.each(func(i int, s *shuffle.Shuffler) { s.Finalize() })
}

// TestMultihopEndToEnd drives the XN backend across an 8-rank world and
// verifies conservation through the forwarding overlay.
func TestMultihopEndToEnd(t *testing.T) {
	const ranks = 8
	c := startCluster(t, ranks, shuffle.Config{UseMultihop: true})

	c.each(func(i int, s *shuffle.Shuffler) {
		for j := 0; j < 100; j++ {
			require.NoError(t, s.Write(fmt.Sprintf("r%dp%04d", i, j), payload, 0))
		}
		s.EpochEnd()
		s.EpochPreStart()
		s.EpochStart()
	})

	total := 0
	for _, sk := range c.sinks {
		total += sk.Stats().Records
	}
	assert.Equal(t, ranks*100, total)

	// The epoch deltas captured at EpochStart balance across the world:
	// sends equal receives in both flows.
	var ls, lr, rs, rr uint64
	for _, s := range c.shufs {
		v := s.Counters().View()
		ls += v.Local.Sends
		lr += v.Local.Recvs
		rs += v.Remote.Sends
		rr += v.Remote.Recvs
	}
	assert.Equal(t, ls, lr, "local flow unbalanced")
	assert.Equal(t, rs, rr, "remote flow unbalanced")

	c.each(func(i int, s *shuffle.Shuffler) { s.Finalize() })
}
