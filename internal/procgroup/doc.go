// Package procgroup provides the collective communicator the shuffle layer
// runs on: rank and size identity, barriers, group splits, allgather, and
// SUM/MIN/MAX reductions.
//
// The package follows the usual message-passing discipline: collective
// calls on a group must be made by every member of the group, in the same
// order. A split assigns each member to a subgroup by color; members that
// pass a negative color receive a nil group, which is the null sentinel
// used for ranks outside a subgroup (for example non-receivers outside the
// receiver communicator).
//
// The in-process implementation (NewLocalWorld) backs tests and
// single-host benchmark runs, with each rank living on its own goroutine.
// Multi-host deployments provide their own Group implementation; the
// shuffle layer only depends on the interface.
package procgroup
