// Package main implements shufbench, an in-process benchmark and smoke
// driver for the shuffle layer. It spins up an N-rank world over the
// in-process communicator, pushes a configurable particle load through
// a configurable number of epochs, and reports throughput plus the
// per-rank delivery spread.
//
// Ranks share one process, so the world runs over the loopback
// transport; the SHUFFLE_* environment variables configure the shuffle
// layer itself exactly as they would in a real deployment.
//
// Example usage:
//
//	# 8 ranks, 100k particles per rank, 4 epochs, multi-hop backend
//	SHUFFLE_Use_multihop=1 ./shufbench -ranks 8 -particles 100000 -epochs 4
//
//	# persist deliveries into per-rank sqlite files
//	./shufbench -ranks 4 -db /tmp/shufbench
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/shuffle"
	"github.com/dreamware/shuffle/internal/procgroup"
	"github.com/dreamware/shuffle/internal/rpc"
	"github.com/dreamware/shuffle/internal/sink"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

// benchConfig holds all driver configuration.
type benchConfig struct {
	Ranks     int
	Particles int
	Epochs    int
	FnameLen  int
	DataLen   int
	DBDir     string
}

func main() {
	var cfg benchConfig
	pflag.IntVar(&cfg.Ranks, "ranks", 4, "ranks in the in-process world")
	pflag.IntVar(&cfg.Particles, "particles", 10000, "particles per rank per epoch")
	pflag.IntVar(&cfg.Epochs, "epochs", 2, "number of epochs to run")
	pflag.IntVar(&cfg.FnameLen, "fname-len", 16, "identifier bytes per particle")
	pflag.IntVar(&cfg.DataLen, "data-len", 48, "payload bytes per particle")
	pflag.StringVar(&cfg.DBDir, "db", "", "directory for per-rank sqlite sinks (memory sinks when empty)")
	pflag.Parse()

	if cfg.Ranks < 1 || cfg.Particles < 1 || cfg.Epochs < 1 {
		logFatal("shufbench: ranks, particles and epochs must be positive")
	}

	env, err := shuffle.ConfigFromEnv()
	if err != nil {
		logFatal("shufbench: %v", err)
	}
	if env.Subnet == "" || env.Subnet == shuffle.DefaultSubnet {
		env.Subnet = "127." // in-process world, loopback is always right
	}
	if strings.Contains(env.MercuryProto, "sm") {
		// Ranks share one pid here, so sm:// addresses would collide.
		log.Printf("shufbench: overriding %s with tcp for the in-process world", env.MercuryProto)
		env.MercuryProto = "tcp"
	}

	if err := run(cfg, env); err != nil {
		logFatal("shufbench: %v", err)
	}
}

func run(cfg benchConfig, env shuffle.Config) error {
	net := rpc.NewLoopbackNet()
	groups := procgroup.NewLocalWorld(cfg.Ranks)

	sinks := make([]sink.Sink, cfg.Ranks)
	for i := range sinks {
		if cfg.DBDir == "" {
			sinks[i] = sink.NewMemSink()
			continue
		}
		if err := os.MkdirAll(cfg.DBDir, 0o755); err != nil {
			return err
		}
		s, err := sink.NewSQLiteSink(fmt.Sprintf("%s/rank-%03d.db", cfg.DBDir, i))
		if err != nil {
			return err
		}
		sinks[i] = s
	}

	log.Printf("shufbench: %d ranks x %d particles x %d epochs",
		cfg.Ranks, cfg.Particles, cfg.Epochs)
	start := time.Now()

	var wg sync.WaitGroup
	errs := make([]error, cfg.Ranks)
	for i := 0; i < cfg.Ranks; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = runRank(rank, cfg, env, groups[rank], sinks[rank], net)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	total := cfg.Ranks * cfg.Particles * cfg.Epochs
	log.Printf("shufbench: %d writes in %v (%.0f writes/s)",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())

	delivered := 0
	for i, s := range sinks {
		st := s.Stats()
		delivered += st.Records
		log.Printf("  rank %3d: %8d records, %s", i, st.Records, prettyBytes(st.Bytes))
		s.Close()
	}
	if delivered != total {
		return fmt.Errorf("delivered %d of %d records", delivered, total)
	}
	return nil
}

// runRank drives one rank through the full benchmark, epoch loop and
// teardown included.
func runRank(rank int, cfg benchConfig, env shuffle.Config, g procgroup.Group,
	snk sink.Sink, net *rpc.LoopbackNet) error {

	s := shuffle.New(shuffle.Options{
		Group:    g,
		Sink:     snk,
		FnameLen: cfg.FnameLen,
		DataLen:  cfg.DataLen,
		Config:   env,
		Listen:   net.Listen,
	})

	for e := 0; e < cfg.Epochs; e++ {
		for p := 0; p < cfg.Particles; p++ {
			name := fmt.Sprintf("r%04de%02dp%07d", rank, e, p)
			if err := s.Write(name, makePayload(cfg.DataLen, p), e); err != nil {
				return fmt.Errorf("rank %d write: %w", rank, err)
			}
		}
		s.EpochEnd()
		s.EpochPreStart()
		s.EpochStart()
	}

	s.Finalize()
	return nil
}

var payloadPool sync.Map // length -> []byte

// makePayload returns a deterministic payload; the leading bytes vary by
// particle so checksum traces are not all identical.
func makePayload(n, seq int) []byte {
	v, ok := payloadPool.Load(n)
	if !ok {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte('a' + i%26)
		}
		v, _ = payloadPool.LoadOrStore(n, b)
	}
	b := v.([]byte)
	out := make([]byte, n)
	copy(out, b)
	if n >= 4 {
		out[0] = byte(seq)
		out[1] = byte(seq >> 8)
		out[2] = byte(seq >> 16)
		out[3] = byte(seq >> 24)
	}
	return out
}

func prettyBytes(n int) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
