// Package placement maps 64-bit record keys onto destination ranks.
//
// An Engine is built once per run from (protocol, world size, virtual
// factor, seed) and then answers Closest lookups on the write path. All
// protocols are pure functions of their inputs, so every rank that builds
// an engine from the same parameters resolves every key to the same
// destination. That determinism is what the shuffle layer's routing
// invariants rest on.
//
// Supported protocols:
//
//	static_modulo  key mod world size
//	hash_lookup3   Jenkins lookup3 rehash, then modulo
//	xor            smallest xor distance to a hashed virtual point
//	ring           consistent-hash ring over hashed virtual points
package placement
