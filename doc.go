// Package manifold is the dispatch core of a high-throughput object
// storage transfer client. It fans a single logical client out across many
// parallel network paths, pools reusable connections per path, and
// schedules pending transfer requests onto available connection capacity
// to reach an aggregate throughput target a single connection cannot.
//
// The engine is deliberately narrow: it accepts opaque requests from
// meta-requests (logical transfers) and routes them onto connections
// produced by a caller-supplied connection manager. Wire protocol,
// signing, retry timing, and transfer state machines all live behind the
// collaborator contracts in pkt.systems/manifold/api.
package manifold
