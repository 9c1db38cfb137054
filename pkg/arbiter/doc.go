/*
Package arbiter supervises the pet-server pool.

The arbiter is the single owner of worker subprocesses: only it spawns,
terminates, or restarts them, and only it moves a worker's status to OK.
Everything else in the system observes workers through the KV store and
synchronizes with supervision via the probe channel.

# Failure Modes Repaired

  - Crash: the supervisor polls the subprocess on every probe; an exited
    process flips status to RESTART_NEEDED.
  - RAM blowup: the RAM monitor compares each worker's RSS against
    MAX_RAM_PER_PET and flips status to RESTART_NEEDED. It never restarts
    anything itself.
  - Operator/manager request: any component may set RESTART_NEEDED (the
    session manager does so on worker timeouts); the supervisor performs
    the actual restart on the next probe.

# The Probe Contract

A status flag alone is racy: a caller can observe OK after a restart began
but before the new process listens. The probe channel closes that hole. A
caller publishes {"id","reply_to"} on arbiter:req:<i> and waits for the
matching {"id","resp":"OK"} on its private reply channel. The reply is sent
only after one complete supervisor tick: crash detection, any pending
restart, and the monitor-epoch bump. The reply is sent after a failed
restart attempt as well; the status then stays RESTART_NEEDED and the
next probe retries.

# Restart Semantics

restart(i) terminates the old subprocess (SIGTERM, SIGKILL after the grace
period), spawns a replacement on the same port, increments generation:<i>,
waits until the port accepts connections or the settle interval elapses,
and then sets status OK. A
failed restart leaves RESTART_NEEDED in place so the next probe retries;
the arbiter itself never gives up and never crashes out of its loops.

# Lifecycle

Run clears the Hutch keyspace, sweeps lingering pet-server processes from a
dead previous run, spawns N workers on ports base..base+N-1, marks them OK
at generation 0, sets arbiter_ready, and supervises until the context is
cancelled (SIGINT/SIGTERM in the CLI). Shutdown terminates all workers,
marks them DOWN, and clears the keyspace again.
*/
package arbiter
