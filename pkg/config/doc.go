/*
Package config loads Hutch runtime configuration from the environment.

Both the arbiter process and the session manager consume the same Config
struct, so an operator sizes the pool exactly once:

	NUM_PET_SERVER         number of pet-server workers
	PET_SERVER_START_PORT  base port; worker i listens on base+i
	MAX_RAM_PER_PET        per-worker RSS limit in MB (0 disables)
	KV_URL                 redis://host:port/db
	PET_CMD                pet-server binary path
	TIMEOUT_OK             arbiter probe deadline, seconds
	TIMEOUT_EPS            lock TTL slack, seconds
	METRICS_ADDR           optional Prometheus listen address

Parsing goes through viper with AutomaticEnv, so the same keys can later be
bound to a config file without touching call sites.

# Usage

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err.Error())
	}
	mgr := session.NewManager(cfg, kvClient)
*/
package config
