// Package api defines the collaborator contracts the manifold dispatch
// core is built against: connections and the managers that produce them,
// host resolution listeners, and the meta-request pull interface that
// feeds individual requests into the scheduler.
//
// The root manifold package, its internal packages, and callers embedding
// the engine all share these types; the engine itself never inspects
// request or connection payloads.
package api
