/*
Package session implements the session manager and the persisted model that
makes transparent replay possible.

A session is a long-lived client context pinned to one pet-server worker.
Clients submit stateful RPCs against opaque proof states; any worker may be
killed and respawned at any time, losing every live state. The manager
hides this: a state handle from a dead generation is transparently
recomputed by replaying the recorded call history on the fresh process, and
the client never learns a restart happened.

# Data Model

Four records per session, all UTF-8 JSON in the KV store:

  - Session: id and assigned worker index. Assignment is round-robin over
    a global atomic counter and never changes.
  - ParamsTree: the history forest. Each node records the state a call
    produced and the exact RPC (route, original params, timeout) that
    produced it. Initial-session routes open a new tree; state-producing
    session routes append a child under the consumed state's node.
  - MappingTree: state key -> tree id. Locates the tree able to reproduce
    any live state.
  - MappingState: old state key -> fresh State. Populated during replay so
    the next request holding the same stale handle skips the walk.

State keys are "<generation>:<handle>". The generation tag on State is the
canonical staleness carrier: workers know nothing about generations, the
manager tags every returned state with the generation it observed under
the worker lock.

# The Per-Call Sequence

Call acquires the worker lock, probes the arbiter (one full supervisor
tick; see the arbiter package), reloads the session, rewrites stale state
params via replay, extends the lock past the execution budget, invokes the
worker, records the call into the history with the ORIGINAL params, and
tags the returned state. The lock is released on every path.

Replay (refreshState) walks the recorded path root-first, re-invoking each
node's RPC with recursively refreshed params and recording every recomputed
state in MappingState. The walk covers one root-to-leaf path regardless of
how many restarts happened since the session's last call.

# Error Taxonomy

Stable labels, surfaced with a free-form message:

	NOT_FOUND       unknown session or missing record
	BUSY            worker lock wait timed out
	UNAVAILABLE     arbiter unresponsive or worker unreachable
	TIMEOUT         worker RPC exceeded its deadline; worker flagged for restart
	PROTOCOL_ERROR  structured worker error or malformed request; no restart
	INTERNAL        anything else; worker flagged for restart

The manager never retries on behalf of the caller and replay is attempted
at most once per call. Its only status write is OK -> RESTART_NEEDED; all
repair belongs to the arbiter.

# Caching

Session, MappingState, MappingTree and ParamsTree have in-process caches
with read-through reload on miss or failed consistency check, and
write-through persistence before any mutation is visible to the caller.
*/
package session
