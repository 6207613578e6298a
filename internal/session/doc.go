// Package session owns one host<->peer channel over a pipe pair.
//
// Ownership boundary:
// - Client: read loop, writer loop, control handling, dispatch, teardown
// - Context: shared timeouts, codec, watchdog timer and dispatch scheduler
// - Outbox: the ordered outbound queue drained by the writer
//
// The read loop blocks only on the codec read. Every other piece of work
// (initialization, dispatch, replies) happens off that goroutine so a peer
// that alternates strict read/write turns is always served.
package session
