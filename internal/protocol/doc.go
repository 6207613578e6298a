// Package protocol owns the envelope contract exchanged between a host and a peer.
//
// Ownership boundary:
// - envelope routing tags and the Codec read/write contract
// - control and application body encoding (tlv + schema)
// - the frame-backed codec shipped with pipelink
package protocol
