// Package rpc provides the point-to-point message layer under the shuffle
// backends, plus the endpoint URI resolver.
//
// An Endpoint is an asynchronous send/receive port bound to a URI. Sends
// complete through a callback once the peer's handler has run and replied;
// inbound messages are dispatched to the registered handler one at a time,
// so delivery handlers may assume single-threaded entry.
//
// Two transports are provided. The HTTP transport carries messages as
// binary POST bodies between ranks, one server per endpoint. The loopback
// transport connects endpoints registered inside the same process and
// backs the sm:// protocol family as well as the test suites.
package rpc
