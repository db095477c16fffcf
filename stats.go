package shuffle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	"github.com/natefinch/atomic"

	"github.com/dreamware/shuffle/internal/hist"
	"github.com/dreamware/shuffle/internal/procgroup"
)

// reduceStats runs the teardown reductions: XN aggregates send totals,
// minima and maxima over the world; NN aggregates cpu usage and the
// progress/queue histograms over the receiver communicator, with
// system-wide totals over the world. Rank 0 reports and writes the
// monitor dump when one is configured.
func (s *Shuffler) reduceStats() {
	dump := monDump{
		Type:     s.typ.String(),
		World:    s.WorldSize(),
		RecvRate: s.recvRate,
		Counters: s.ctr.View(),
	}

	if s.typ == TypeXN {
		s.reduceXN(&dump)
	} else {
		s.reduceNN(&dump)
	}

	if s.cfg.MonDump != "" && s.g.Rank() == 0 {
		s.writeMonDump(&dump)
	}
}

// monDump is the JSON shape of the finalize stats file.
type monDump struct {
	Type     string   `json:"type"`
	World    int      `json:"world"`
	RecvRate uint32   `json:"recv_rate"`
	Counters any      `json:"counters"`
	RPC      *rpcDump `json:"rpc,omitempty"`
	NN       *nnDump  `json:"nn,omitempty"`
}

type rpcDump struct {
	LocalSends  [3]uint64 `json:"local_sends"`  // sum, min, max
	RemoteSends [3]uint64 `json:"remote_sends"` // sum, min, max
}

type nnDump struct {
	TotalWrites uint64            `json:"total_writes"`
	TotalMsgsz  uint64            `json:"total_msgsz"`
	TotalRPCs   uint64            `json:"total_rpcs"`
	CPUMicros   map[string]uint64 `json:"cpu_micros"`
}

func (s *Shuffler) reduceXN(dump *monDump) {
	st := s.xnRep.Snapshot()
	rpcs := []uint64{st.LocalSends, st.RemoteSends}

	sum := s.g.Reduce(rpcs, procgroup.OpSum, 0)
	min := s.g.Reduce(rpcs, procgroup.OpMin, 0)
	max := s.g.Reduce(rpcs, procgroup.OpMax, 0)
	if s.g.Rank() != 0 {
		return
	}

	dump.RPC = &rpcDump{
		LocalSends:  [3]uint64{sum[0], min[0], max[0]},
		RemoteSends: [3]uint64{sum[1], min[1], max[1]},
	}
	if sum[0]+sum[1] == 0 {
		return
	}
	world := float64(s.WorldSize())
	log.Printf("[rpc] total sends: %s intra-node + %s inter-node = %s overall",
		prettyNum(float64(sum[0])), prettyNum(float64(sum[1])),
		prettyNum(float64(sum[0]+sum[1])))
	log.Printf(" -> intra-node: %s per rank (min: %s, max: %s)",
		prettyNum(float64(sum[0])/world), prettyNum(float64(min[0])), prettyNum(float64(max[0])))
	log.Printf(" -> inter-node: %s per rank (min: %s, max: %s)",
		prettyNum(float64(sum[1])/world), prettyNum(float64(min[1])), prettyNum(float64(max[1])))
}

func (s *Shuffler) reduceNN(dump *monDump) {
	st := s.nnRep.Snapshot()

	// System-wide totals over the world: every rank sends.
	totals := s.g.Reduce([]uint64{st.TotalWrites, st.TotalMsgsz, st.TotalRPCs},
		procgroup.OpSum, 0)
	if s.g.Rank() == 0 {
		dump.NN = &nnDump{
			TotalWrites: totals[0],
			TotalMsgsz:  totals[1],
			TotalRPCs:   totals[2],
			CPUMicros:   make(map[string]uint64),
		}
		if totals[2] > 0 {
			log.Printf("[nn] avg rpc size: %s (%s writes per rpc, %s per write)",
				prettySize(float64(totals[1])/float64(totals[2])),
				prettyNum(float64(totals[0])/float64(totals[2])),
				prettySize(float64(totals[1])/float64(totals[0])))
		}
	}

	// Receiver-side statistics over the dedicated receiver communicator.
	// Non-receivers run no delivery machinery and sit these out.
	if s.recvComm == nil {
		return
	}
	recvSz := float64(s.recvComm.Size())
	rank0 := s.recvComm.Rank() == 0

	if rank0 {
		log.Printf("[nn] per-phase cpu usage ... (s)")
		log.Printf("                %-16s%-16s%-16s", "USR_per_rank", "SYS_per_rank", "TOTAL_per_rank")
	}
	for _, ph := range st.Usage {
		if ph.Tag == "" {
			continue
		}
		red := s.recvComm.Reduce([]uint64{ph.UsrMicros, ph.SysMicros}, procgroup.OpSum, 0)
		if rank0 {
			usr := float64(red[0]) / 1e6 / recvSz
			sys := float64(red[1]) / 1e6 / recvSz
			log.Printf("  %-8s CPU: %-16.3f%-16.3f%-16.3f", ph.Tag, usr, sys, usr+sys)
			if dump.NN != nil {
				dump.NN.CPUMicros[ph.Tag+"_usr"] = red[0]
				dump.NN.CPUMicros[ph.Tag+"_sys"] = red[1]
			}
		}
	}

	hgIntvl := s.nnRep.HgIntvl().Reduce(s.recvComm, 0)
	if rank0 && hgIntvl.Num() >= 1 {
		logHistogram("hg_progress interval ... (ms)", hgIntvl)
	}
	iqDep := s.nnRep.IqDep().Reduce(s.recvComm, 0)
	if rank0 && iqDep.Num() >= 1 {
		logHistogram("rpc incoming batch size (records per rpc) ...", iqDep)
	}
}

// logHistogram reports one reduced histogram with the percentile ladder.
func logHistogram(title string, h *hist.Histogram) {
	log.Printf("[nn] %s", title)
	log.Printf("  %s samples, avg: %.3f (min: %.0f, max: %.0f)",
		prettyNum(h.Num()), h.Avg(), h.Min(), h.Max())
	for _, p := range hist.Ladder {
		log.Printf("    - %g%% %.2f", p, h.Percentile(p))
	}
}

// writeMonDump replaces the configured dump file atomically so a crash
// mid-teardown never leaves a torn report.
func (s *Shuffler) writeMonDump(dump *monDump) {
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		log.Printf("[shuffle] mon dump: %v", err)
		return
	}
	if err := atomic.WriteFile(s.cfg.MonDump, bytes.NewReader(data)); err != nil {
		log.Printf("[shuffle] mon dump %s: %v", s.cfg.MonDump, err)
	}
}

// prettyNum renders a count with a metric suffix, 1234567 -> "1.2M".
func prettyNum(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.1fG", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fK", v/1e3)
	default:
		return fmt.Sprintf("%.0f", v)
	}
}

// prettySize renders a byte count with a binary suffix.
func prettySize(v float64) string {
	switch {
	case v >= 1<<30:
		return fmt.Sprintf("%.1fGiB", v/(1<<30))
	case v >= 1<<20:
		return fmt.Sprintf("%.1fMiB", v/(1<<20))
	case v >= 1<<10:
		return fmt.Sprintf("%.1fKiB", v/(1<<10))
	default:
		return fmt.Sprintf("%.0fB", v)
	}
}
