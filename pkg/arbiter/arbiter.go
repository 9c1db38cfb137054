package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/health"
	"github.com/cuemby/hutch/pkg/kv"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/worker"
)

// probeRequest is the control-plane message a caller publishes on
// arbiter:req:<i> to force one complete supervisor iteration.
type probeRequest struct {
	ID      string `json:"id"`
	ReplyTo string `json:"reply_to"`
}

// probeReply acknowledges a probe after the supervisor tick completed.
type probeReply struct {
	ID   string `json:"id"`
	Resp string `json:"resp"`
}

// Arbiter owns the pet-server pool: it spawns the workers, repairs crashes,
// RAM blowups and operator-requested restarts, and answers probes so
// request handlers can synchronize with supervision cycles. Exactly one
// arbiter process runs per pool.
type Arbiter struct {
	cfg     *config.Config
	kv      *kv.Client
	handles []*worker.Handle
	broker  *events.Broker
	logger  zerolog.Logger
}

// New creates an Arbiter for the configured pool.
func New(cfg *config.Config, client *kv.Client) *Arbiter {
	handles := make([]*worker.Handle, cfg.NumPetServer)
	for i := range handles {
		handles[i] = worker.NewHandle(i, cfg.Port(i), cfg.PetCmd)
	}
	broker := events.NewBroker()
	return &Arbiter{
		cfg:     cfg,
		kv:      client,
		handles: handles,
		broker:  broker,
		logger:  log.WithComponent("arbiter"),
	}
}

// Events returns the lifecycle event broker.
func (a *Arbiter) Events() *events.Broker {
	return a.broker
}

// Run starts the pool and supervises it until ctx is cancelled, then shuts
// everything down. Returns an error only when initialization fails.
func (a *Arbiter) Run(ctx context.Context) error {
	a.broker.Start()
	defer a.broker.Stop()

	if err := a.clearKeys(ctx); err != nil {
		return fmt.Errorf("failed to clear KV keys: %w", err)
	}

	// Safety sweep: a previous arbiter may have died without cleanup.
	if err := worker.KillByName(filepath.Base(a.cfg.PetCmd)); err != nil {
		a.logger.Warn().Err(err).Msg("Lingering process sweep failed")
	}

	if err := a.startWorkers(ctx); err != nil {
		return err
	}

	if err := a.kv.Set(ctx, kv.ArbiterReadyKey(), 1); err != nil {
		return fmt.Errorf("failed to set ready flag: %w", err)
	}
	a.logger.Info().Int("workers", len(a.handles)).Msg("Arbiter running")

	supCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	running := 0
	for idx := range a.handles {
		running++
		go func(i int) {
			defer func() { done <- struct{}{} }()
			a.superviseWorker(supCtx, i)
		}(idx)
	}
	running++
	go func() {
		defer func() { done <- struct{}{} }()
		a.monitorRAM(supCtx)
	}()

	if a.cfg.MetricsAddr != "" {
		go a.serveMetrics(supCtx)
	}
	go a.logEvents(supCtx)

	<-ctx.Done()
	cancel()
	for i := 0; i < running; i++ {
		<-done
	}

	a.shutdown()
	return nil
}

// startWorkers spawns the pool and marks every worker OK at generation 0.
func (a *Arbiter) startWorkers(ctx context.Context) error {
	for _, h := range a.handles {
		if err := h.Spawn(); err != nil {
			return fmt.Errorf("failed to start pool: %w", err)
		}
		a.broker.Publish(&events.Event{
			Type:     events.EventWorkerSpawned,
			Message:  "pet-server spawned",
			Metadata: map[string]string{"pet_idx": strconv.Itoa(h.Idx), "port": strconv.Itoa(h.Port)},
		})
	}

	for _, h := range a.handles {
		a.settle(ctx, h)
		if err := a.kv.Set(ctx, kv.PetStatusKey(h.Idx), string(kv.StatusOK)); err != nil {
			return err
		}
		if err := a.kv.Set(ctx, kv.GenerationKey(h.Idx), 0); err != nil {
			return err
		}
		metrics.WorkerGeneration.WithLabelValues(strconv.Itoa(h.Idx)).Set(0)
	}
	return nil
}

// settle waits until the worker accepts TCP connections, bounded by the
// settle interval. A worker that is still not listening when the interval
// elapses is flipped to OK anyway; a dead process surfaces on the next
// probe and a wedged one as connection failures on the call path.
func (a *Arbiter) settle(ctx context.Context, h *worker.Handle) {
	checker := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", h.Port))
	settleCtx, cancel := context.WithTimeout(ctx, a.cfg.SettleInterval)
	defer cancel()
	if err := health.WaitReady(settleCtx, checker, 100*time.Millisecond); err != nil {
		a.logger.Warn().Int("pet_idx", h.Idx).Int("port", h.Port).Msg("Worker not listening after settle interval, proceeding")
	}
}

// superviseWorker is the per-worker supervisor loop. It reacts only to
// probe requests: poll the subprocess, repair if needed, acknowledge, bump
// the monitor epoch. Any iteration error is logged and the loop continues.
func (a *Arbiter) superviseWorker(ctx context.Context, idx int) {
	logger := a.logger.With().Int("pet_idx", idx).Logger()
	sub := a.kv.Subscribe(ctx, kv.ArbiterRequestChannel(idx))
	defer sub.Close()

	logger.Info().Msg("Supervisor loop started")
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Supervisor loop stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Info().Msg("Supervisor loop stopped")
				return
			}
			if err := a.handleProbe(ctx, idx, msg.Payload); err != nil {
				metrics.SupervisorErrorsTotal.Inc()
				logger.Error().Err(err).Msg("Supervisor iteration failed")
			}
		}
	}
}

// handleProbe performs one complete supervisor tick for worker idx.
func (a *Arbiter) handleProbe(ctx context.Context, idx int, payload string) error {
	var req probeRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fmt.Errorf("malformed probe request: %w", err)
	}

	h := a.handles[idx]

	// 1) Detect crash
	if !h.Alive() {
		a.logger.Warn().Int("pet_idx", idx).Msg("Detected crashed pet-server")
		if err := a.kv.Set(ctx, kv.PetStatusKey(idx), string(kv.StatusRestartNeeded)); err != nil {
			return err
		}
		a.broker.Publish(&events.Event{
			Type:     events.EventWorkerCrashed,
			Message:  "pet-server exited unexpectedly",
			Metadata: map[string]string{"pet_idx": strconv.Itoa(idx)},
		})
		metrics.WorkerRestartsTotal.WithLabelValues(strconv.Itoa(idx), "crash").Inc()
	}

	// 2) React to restart flag
	status, err := a.kv.Get(ctx, kv.PetStatusKey(idx))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if kv.Status(status) == kv.StatusRestartNeeded {
		if err := a.restart(ctx, idx); err != nil {
			// put RESTART_NEEDED back (restart wrote RESTARTING); the next
			// probe retries
			if serr := a.kv.Set(ctx, kv.PetStatusKey(idx), string(kv.StatusRestartNeeded)); serr != nil {
				a.logger.Error().Err(serr).Int("pet_idx", idx).Msg("Failed to restore restart flag")
			}
			a.logger.Error().Err(err).Int("pet_idx", idx).Msg("Restart failed, will retry on next probe")
		}
	}

	// 3) Acknowledge, then heartbeat
	reply, err := json.Marshal(probeReply{ID: req.ID, Resp: "OK"})
	if err != nil {
		return err
	}
	if err := a.kv.Publish(ctx, req.ReplyTo, reply); err != nil {
		return err
	}
	if _, err := a.kv.Incr(ctx, kv.MonitorEpochKey(idx)); err != nil {
		return err
	}
	metrics.ProbesTotal.WithLabelValues(strconv.Itoa(idx)).Inc()
	return nil
}

// restart replaces the subprocess for worker idx and bumps its generation.
// Every live state of the old generation dies with it; sessions recover via
// replay.
func (a *Arbiter) restart(ctx context.Context, idx int) error {
	h := a.handles[idx]
	a.logger.Info().Int("pet_idx", idx).Msg("Restarting pet-server")

	if err := a.kv.Set(ctx, kv.PetStatusKey(idx), string(kv.StatusRestarting)); err != nil {
		return err
	}
	if err := h.Terminate(a.cfg.GracePeriod); err != nil {
		a.logger.Warn().Err(err).Int("pet_idx", idx).Msg("Terminate failed, spawning anyway")
	}
	if err := h.Spawn(); err != nil {
		if serr := a.kv.Set(ctx, kv.PetStatusKey(idx), string(kv.StatusRestartNeeded)); serr != nil {
			a.logger.Error().Err(serr).Int("pet_idx", idx).Msg("Failed to restore restart flag")
		}
		return err
	}

	gen, err := a.kv.Incr(ctx, kv.GenerationKey(idx))
	if err != nil {
		return err
	}
	metrics.WorkerGeneration.WithLabelValues(strconv.Itoa(idx)).Set(float64(gen))

	a.settle(ctx, h)
	if err := a.kv.Set(ctx, kv.PetStatusKey(idx), string(kv.StatusOK)); err != nil {
		return err
	}

	a.broker.Publish(&events.Event{
		Type:    events.EventWorkerRestarted,
		Message: "pet-server restarted",
		Metadata: map[string]string{
			"pet_idx":    strconv.Itoa(idx),
			"generation": strconv.FormatInt(gen, 10),
		},
	})
	a.logger.Info().Int("pet_idx", idx).Int64("generation", gen).Int("pid", h.PID()).Msg("Restarted pet-server")
	return nil
}

// monitorRAM flags workers whose RSS exceeds the configured limit. It never
// restarts anything itself; the supervisor loop does, on the next probe.
func (a *Arbiter) monitorRAM(ctx context.Context) {
	if a.cfg.MaxRAMMB <= 0 {
		a.logger.Info().Msg("RAM monitor disabled")
		return
	}

	a.logger.Info().Int("max_ram_mb", a.cfg.MaxRAMMB).Msg("RAM monitor started")
	ticker := time.NewTicker(a.cfg.RAMPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("RAM monitor stopped")
			return
		case <-ticker.C:
			for _, h := range a.handles {
				rss, err := h.RSSMegabytes()
				if err != nil {
					a.logger.Debug().Err(err).Int("pet_idx", h.Idx).Msg("RAM check failed")
					continue
				}
				metrics.WorkerRSSMegabytes.WithLabelValues(strconv.Itoa(h.Idx)).Set(rss)
				if rss > float64(a.cfg.MaxRAMMB) {
					a.logger.Warn().
						Int("pet_idx", h.Idx).
						Float64("rss_mb", rss).
						Int("max_ram_mb", a.cfg.MaxRAMMB).
						Msg("Worker over RAM limit, scheduling restart")
					if err := a.kv.Set(ctx, kv.PetStatusKey(h.Idx), string(kv.StatusRestartNeeded)); err != nil {
						a.logger.Error().Err(err).Int("pet_idx", h.Idx).Msg("Failed to flag restart")
						continue
					}
					a.broker.Publish(&events.Event{
						Type:     events.EventWorkerRAMExceeded,
						Message:  "pet-server over RAM limit",
						Metadata: map[string]string{"pet_idx": strconv.Itoa(h.Idx)},
					})
					metrics.WorkerRestartsTotal.WithLabelValues(strconv.Itoa(h.Idx), "ram").Inc()
				}
			}
		}
	}
}

// shutdown terminates all workers and clears the shared keyspace. Runs with
// a fresh context; the run context is already cancelled by the time we get
// here.
func (a *Arbiter) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, h := range a.handles {
		if err := h.Terminate(a.cfg.GracePeriod); err != nil {
			a.logger.Error().Err(err).Int("pet_idx", h.Idx).Msg("Failed to terminate worker")
		}
		if err := a.kv.Set(ctx, kv.PetStatusKey(h.Idx), string(kv.StatusDown)); err != nil {
			a.logger.Error().Err(err).Int("pet_idx", h.Idx).Msg("Failed to mark worker down")
		}
		a.broker.Publish(&events.Event{
			Type:     events.EventWorkerStopped,
			Message:  "pet-server stopped",
			Metadata: map[string]string{"pet_idx": strconv.Itoa(h.Idx)},
		})
	}

	if err := a.clearKeys(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Failed to clear KV keys on shutdown")
	}
	a.logger.Info().Msg("Arbiter stopped")
}

// clearKeys removes every key Hutch owns.
func (a *Arbiter) clearKeys(ctx context.Context) error {
	for _, pattern := range kv.AllKeyPatterns() {
		if err := a.kv.ScanDel(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics exposes Prometheus metrics for the arbiter process.
func (a *Arbiter) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error().Err(err).Msg("Metrics listener failed")
	}
}

// logEvents mirrors lifecycle events into the structured log.
func (a *Arbiter) logEvents(ctx context.Context) {
	sub := a.broker.Subscribe()
	defer a.broker.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			entry := a.logger.Info().Str("event", string(ev.Type))
			for k, v := range ev.Metadata {
				entry = entry.Str(k, v)
			}
			entry.Msg(ev.Message)
		}
	}
}
