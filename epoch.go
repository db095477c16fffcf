package shuffle

// Epoch transition hooks. One transition between epoch k and k+1 runs,
// in order: EpochEnd (soft flush of k), EpochPreStart, EpochStart (open
// k+1). The collective barriers around each step are config-gated
// because the sink's consistency needs vary with its storage mode; with
// the end-of-epoch barrier enabled, no rank admits an epoch k+1 record
// before every epoch k record has been delivered everywhere.

// EpochEnd drains every in-flight record of the ending epoch. On return
// the epoch is quiescent: each record this rank submitted has been
// delivered at its destination or reported fatal. With the XN backend
// the drain itself is collective; the surrounding barriers are applied
// per configuration either way.
func (s *Shuffler) EpochEnd() {
	if s.cfg.ParanoidPreBarrier {
		s.g.Barrier()
	}
	s.backend.EpochEnd()
	if s.cfg.ParanoidBarrier {
		s.g.Barrier()
	}
}

// EpochPreStart runs before records of the new epoch appear: the XN
// backend re-arms its internal state, the NN backend waits for its
// background workers to reach quiescence.
func (s *Shuffler) EpochPreStart() {
	s.backend.EpochPreStart()
}

// EpochStart opens a new epoch: the monitor counters reset and the
// backend snapshots its per-epoch deltas into them. With the post-start
// barrier enabled no rank submits a record until every rank has passed
// this point.
func (s *Shuffler) EpochStart() {
	s.ctr.Reset()
	s.backend.EpochStart()
	if s.cfg.ParanoidPostBarrier {
		s.g.Barrier()
	}
}
