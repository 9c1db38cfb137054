/*
Package worker manages pet-server subprocesses.

A Handle owns exactly one subprocess slot: worker index, the fixed port
derived from the configured base, and the running command. The arbiter is
the only component that spawns, terminates, or inspects handles; everything
else observes workers through the KV store (status, generation) or their
socket.

Lifecycle:

	h := worker.NewHandle(2, cfg.Port(2), cfg.PetCmd)
	err := h.Spawn()          // <pet_cmd> -p <port>, own process group
	alive := h.Alive()        // non-blocking exit poll
	rss, _ := h.RSSMegabytes() // gopsutil RSS, for the RAM monitor
	err = h.Terminate(grace)  // SIGTERM, then SIGKILL after grace

Terminate signals the whole process group so helper processes a prover
spawns (compilation, caching) die with it. A handle can be respawned after
termination; the arbiter does exactly that on restart, bumping the
generation counter around the respawn.

KillByName sweeps stray pet-server processes left over from a previous
arbiter run. It runs once during startup, before the pool is spawned, so a
crashed arbiter never leaks provers that fight the new pool for ports.
*/
package worker
