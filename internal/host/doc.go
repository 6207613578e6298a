// Package host runs the host side of pipelink as a long-lived service.
//
// Ownership boundary:
// - per-peer accept loops with open backoff
// - the shared session.Context every accepted session is built from
// - admin HTTP surface (/health, /sessions, /metrics)
// - the default echo handler
package host
