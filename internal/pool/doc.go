// Package pool manages the warm pool of browser containers and their
// single-use assignment lifecycle.
//
// # Overview
//
// Every sampling or authentication operation runs inside its own browser
// container. The pool keeps a configurable number of containers warm so
// assignment is instant, binds at most one container per session id, and
// guarantees containers are never reused across sessions: a released
// container waits for the idle sweeper, a recycled one is destroyed on the
// spot.
//
// # Container lifecycle
//
//	(none) --create--> Pooled
//	Pooled --assign(sid)--> Assigned(sid)
//	Assigned(sid) --release(sid)--> Released
//	Released --sweep--> (destroyed)
//	Assigned(sid) --recycle(sid)--> (destroyed)
//
// Pooled containers are never idle-swept; they leave the pool only through
// assignment, administrative destroy, or shutdown. Released containers
// never re-enter the warm pool.
//
// # Assignment semantics
//
//   - Assign is idempotent per session: a second assign for the same id
//     returns the same container.
//   - An empty warm pool fails fast with ErrAtCapacity. The pool never
//     creates containers on the assignment path; creation latency would pin
//     the caller and hide the capacity signal an autoscaler reacts to.
//   - The per-assignment upstream proxy is configured through the
//     container's control plane before the record is handed out; a rejected
//     configuration reverts the assignment completely.
//
// # Background tasks
//
// A maintenance loop tops the warm pool back up to the configured minimum,
// creating missing containers in parallel and guarded against overlapping
// ticks. A sweeper destroys released containers idle past their timeout.
// Startup destroys all labeled containers left over from a previous
// instance.
//
// # Locking
//
// One mutex guards the containers map, the session→container map, and the
// warm-pool list. It is held only for map and list operations; container
// creation, proxy configuration, and destruction all happen outside the
// lock.
package pool
