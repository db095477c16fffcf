// Package mon holds the per-epoch monitor counters the shuffle layer
// exposes to the external metrics sink: message flow split into the
// local (intra-node) and remote (inter-node) directions, each with
// min/max mirror fields. The mirrors hold this rank's own values; nothing
// in the module reduces them across ranks.
package mon

import "sync/atomic"

// Flow counts one direction of message traffic. Senders bump counters at
// submit time, progress threads at receive time; both use atomic adds so
// the finalize reductions see exact counts.
type Flow struct {
	Sends     atomic.Uint64
	Recvs     atomic.Uint64
	Delivered atomic.Uint64
	MinSends  atomic.Uint64
	MaxSends  atomic.Uint64
	MinRecvs  atomic.Uint64
	MaxRecvs  atomic.Uint64
}

// CountSend records one outbound message. The min/max mirrors move with
// the counter; they are not collapsed into world extrema, so they equal
// this rank's count.
func (f *Flow) CountSend() {
	f.Sends.Add(1)
	f.MinSends.Add(1)
	f.MaxSends.Add(1)
}

// CountRecv records one inbound message.
func (f *Flow) CountRecv() {
	f.Recvs.Add(1)
	f.MinRecvs.Add(1)
	f.MaxRecvs.Add(1)
}

// CountDelivered records one message handed to the sink.
func (f *Flow) CountDelivered() {
	f.Delivered.Add(1)
}

// SetDelta overwrites the flow with an epoch delta captured by a backend
// snapshot. Delivery is acknowledged inband on that path, so delivered
// equals sends.
func (f *Flow) SetDelta(sends, recvs uint64) {
	f.Sends.Store(sends)
	f.MinSends.Store(sends)
	f.MaxSends.Store(sends)
	f.Recvs.Store(recvs)
	f.MinRecvs.Store(recvs)
	f.MaxRecvs.Store(recvs)
	f.Delivered.Store(sends)
}

// Reset zeroes the flow for a new epoch.
func (f *Flow) Reset() {
	f.Sends.Store(0)
	f.Recvs.Store(0)
	f.Delivered.Store(0)
	f.MinSends.Store(0)
	f.MaxSends.Store(0)
	f.MinRecvs.Store(0)
	f.MaxRecvs.Store(0)
}

// FlowView is a plain snapshot of a Flow, used for dumps and reductions.
type FlowView struct {
	Sends     uint64 `json:"sends"`
	Recvs     uint64 `json:"recvs"`
	Delivered uint64 `json:"delivered"`
	MinSends  uint64 `json:"min_sends"`
	MaxSends  uint64 `json:"max_sends"`
	MinRecvs  uint64 `json:"min_recvs"`
	MaxRecvs  uint64 `json:"max_recvs"`
}

// View snapshots the flow.
func (f *Flow) View() FlowView {
	return FlowView{
		Sends:     f.Sends.Load(),
		Recvs:     f.Recvs.Load(),
		Delivered: f.Delivered.Load(),
		MinSends:  f.MinSends.Load(),
		MaxSends:  f.MaxSends.Load(),
		MinRecvs:  f.MinRecvs.Load(),
		MaxRecvs:  f.MaxRecvs.Load(),
	}
}

// Counters is the process-wide monitor context.
type Counters struct {
	Local  Flow // same-node traffic, including the local bypass
	Remote Flow // cross-node traffic
}

// Reset zeroes both flows for a new epoch.
func (c *Counters) Reset() {
	c.Local.Reset()
	c.Remote.Reset()
}

// View snapshots both flows.
func (c *Counters) View() CountersView {
	return CountersView{Local: c.Local.View(), Remote: c.Remote.View()}
}

// CountersView is a plain snapshot of Counters.
type CountersView struct {
	Local  FlowView `json:"local"`
	Remote FlowView `json:"remote"`
}
