/*
Package kv wraps the shared in-memory key-value store used by every Hutch
component for coordination.

The wrapper is deliberately thin: atomic increments for counters, plain
get/set for status and records, pattern deletion for startup/shutdown
cleanup, pub/sub for the arbiter control plane, and TTL locks for per-worker
mutual exclusion. Everything is keyed by the deterministic schema in keys.go
so the arbiter, the session manager, and operator tooling agree on naming
without sharing code paths.

# Key Schema

Per worker i:

	pet_status:<i>         OK | RESTART_NEEDED | RESTARTING | DOWN
	generation:<i>         monotonically increasing restart epoch
	pet_lock:<i>           TTL lock; value is the holder's nonce
	pet_monitor_epoch:<i>  supervisor heartbeat counter

Per session s:

	session:<s>            session record
	mapping_state:<s>      stale state key -> fresh state
	mapping_tree:<s>       state key -> history tree id
	params_tree:<s>:<t>    one history tree

Global:

	session_assigned_idx_key   round-robin assignment counter
	archived_sessions          append-only archival list
	arbiter_ready              1 once the pool is up

Pub/sub:

	arbiter:req:<i>                 probe requests to the supervisor
	arbiter:reply:<i>:<req_id>      per-request private reply channel

Session records, mappings, history trees and archive entries are UTF-8
JSON. Status values are stored as the bare literal strings above; the
counters and the ready flag are plain integers.

# Locks

AcquireLock implements a SET NX PX lock with a random nonce per holder.
Extend and Release run compare-and-mutate Lua scripts so a holder whose TTL
expired cannot delete a lock that has since been granted to someone else.
Release after expiry returns ErrLockLost; the call path ignores it because
the lock is effectively released.

# Usage

	client, err := kv.New(cfg.KVURL)
	if err != nil { ... }

	lock, err := client.AcquireLock(ctx, kv.PetLockKey(2), 25*time.Second, 25*time.Second)
	if err != nil { ... }
	defer lock.Release(ctx)

	gen, err := client.GetInt(ctx, kv.GenerationKey(2))
*/
package kv
