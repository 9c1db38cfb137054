package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/kv"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/petrpc"
	"github.com/cuemby/hutch/pkg/routes"
)

// probeRequest/probeReply mirror the arbiter's control-plane frames.
type probeRequest struct {
	ID      string `json:"id"`
	ReplyTo string `json:"reply_to"`
}

type probeReply struct {
	ID   string `json:"id"`
	Resp string `json:"resp"`
}

const dialTimeout = 5 * time.Second

// Manager is the public façade the request layer drives. Every call runs
// the same sequence: acquire the worker lock, probe the arbiter, refresh
// stale state handles via replay, invoke the worker, record the call into
// the session's history, release the lock.
//
// The Manager is safe for concurrent use; per-worker mutual exclusion
// comes from the KV lock, the internal mutex only protects the caches.
type Manager struct {
	cfg    *config.Config
	kv     *kv.Client
	broker *events.Broker
	logger zerolog.Logger

	mu            sync.Mutex
	conns         []*petrpc.Conn
	connGens      []int64
	sessions      map[string]*Session
	mappingStates map[string]*MappingState
	mappingTrees  map[string]*MappingTree
	paramsTrees   map[string]map[string]*ParamsTree
}

// NewManager creates a session manager over the shared KV store.
func NewManager(cfg *config.Config, client *kv.Client) *Manager {
	broker := events.NewBroker()
	broker.Start()
	return &Manager{
		cfg:           cfg,
		kv:            client,
		broker:        broker,
		logger:        log.WithComponent("session"),
		conns:         make([]*petrpc.Conn, cfg.NumPetServer),
		connGens:      make([]int64, cfg.NumPetServer),
		sessions:      make(map[string]*Session),
		mappingStates: make(map[string]*MappingState),
		mappingTrees:  make(map[string]*MappingTree),
		paramsTrees:   make(map[string]map[string]*ParamsTree),
	}
}

// Events returns the lifecycle event broker.
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// Close drops cached worker connections and stops the event broker.
func (m *Manager) Close() {
	m.mu.Lock()
	for i, conn := range m.conns {
		if conn != nil {
			conn.Close()
			m.conns[i] = nil
		}
	}
	m.mu.Unlock()
	m.broker.Stop()
}

// CreateSession creates a session assigned to a worker by global
// round-robin and persists it together with its empty mappings.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	assigned, err := m.kv.Incr(ctx, kv.SessionAssignedIdxKey())
	if err != nil {
		return "", wrapError(CodeInternal, err, "failed to assign worker")
	}
	petIdx := int(assigned % int64(m.cfg.NumPetServer))

	sess := NewSession(petIdx)
	mappingState := NewMappingState()
	mappingTree := NewMappingTree()

	if err := sess.Save(ctx, m.kv); err != nil {
		return "", wrapError(CodeInternal, err, "failed to persist session")
	}
	if err := mappingState.Save(ctx, m.kv, sess.ID); err != nil {
		return "", wrapError(CodeInternal, err, "failed to persist mapping state")
	}
	if err := mappingTree.Save(ctx, m.kv, sess.ID); err != nil {
		return "", wrapError(CodeInternal, err, "failed to persist mapping tree")
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mappingStates[sess.ID] = mappingState
	m.mappingTrees[sess.ID] = mappingTree
	m.paramsTrees[sess.ID] = make(map[string]*ParamsTree)
	m.mu.Unlock()

	metrics.SessionsCreatedTotal.Inc()
	m.broker.Publish(&events.Event{
		Type:     events.EventSessionCreated,
		Message:  "session created",
		Metadata: map[string]string{"session_id": sess.ID, "pet_idx": fmt.Sprintf("%d", petIdx)},
	})
	m.logger.Info().Str("session_id", sess.ID).Int("pet_idx", petIdx).Msg("Session created")
	return sess.ID, nil
}

// Status reports whether every worker in the pool is OK.
func (m *Manager) Status(ctx context.Context) bool {
	for i := 0; i < m.cfg.NumPetServer; i++ {
		status, err := m.kv.Get(ctx, kv.PetStatusKey(i))
		if err != nil || kv.Status(status) != kv.StatusOK {
			return false
		}
	}
	return true
}

// Call performs one worker RPC for a session: the full per-call sequence
// including staleness refresh and history recording. params are passed
// verbatim to the worker after state rewriting; the original params are
// what gets recorded, so replay can re-derive the rewrite on any future
// generation. timeout is the worker-side execution budget in seconds and
// must be positive.
func (m *Manager) Call(ctx context.Context, sessionID, routeName string, params map[string]json.RawMessage, timeout float64) (json.RawMessage, error) {
	timer := metrics.NewTimer()
	resp, err := m.call(ctx, sessionID, routeName, params, timeout)
	outcome := "OK"
	if err != nil {
		outcome = string(AsError(err).Code)
	}
	metrics.CallsTotal.WithLabelValues(routeName, outcome).Inc()
	timer.ObserveDurationVec(metrics.CallDuration, routeName)
	return resp, err
}

func (m *Manager) call(ctx context.Context, sessionID, routeName string, params map[string]json.RawMessage, timeout float64) (json.RawMessage, error) {
	route, err := routes.Lookup(routeName)
	if err != nil {
		return nil, newError(CodeProtocolError, "unknown route %q", routeName)
	}
	if timeout <= 0 {
		return nil, newError(CodeProtocolError, "timeout must be positive, got %g", timeout)
	}

	sess, err := m.sessionFor(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	petIdx := sess.PetIdx
	logger := m.logger.With().Str("session_id", sessionID).Int("pet_idx", petIdx).Str("route", routeName).Logger()

	// 1. Acquire the worker lock. Everything after this point runs under
	// mutual exclusion for petIdx; release always happens in the defer.
	lockBudget := m.cfg.TimeoutOK + m.cfg.TimeoutEps
	lockTimer := metrics.NewTimer()
	lock, err := m.kv.AcquireLock(ctx, kv.PetLockKey(petIdx), lockBudget, lockBudget)
	lockTimer.ObserveDuration(metrics.LockWaitDuration)
	if err != nil {
		if errors.Is(err, kv.ErrLockBusy) {
			return nil, newError(CodeBusy, "worker %d is busy", petIdx)
		}
		return nil, wrapError(CodeInternal, err, "failed to acquire worker lock")
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := lock.Release(releaseCtx); rerr != nil && !errors.Is(rerr, kv.ErrLockLost) {
			logger.Warn().Err(rerr).Msg("Lock release failed")
		}
	}()

	// 2. Probe the arbiter: wait for one complete supervisor tick (crash
	// check and any pending restart) under our lock.
	if err := m.ensurePetOK(ctx, petIdx); err != nil {
		m.killSignal(ctx, petIdx)
		logger.Warn().Err(err).Msg("Arbiter probe failed")
		return nil, err
	}

	// 3. Reload the session; it may have changed across a lock hand-off.
	sess, err = m.sessionFor(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	// 4-5. Connect (rebuilding on generation change) and rewrite stale
	// state params via replay.
	updated, err := m.refreshParams(ctx, sess, lock, route, params)
	if err != nil {
		return nil, m.classify(ctx, petIdx, err)
	}

	// 6. Invoke under an extended lock.
	if err := lock.Extend(ctx, time.Duration(timeout)*time.Second+m.cfg.TimeoutEps); err != nil {
		return nil, m.classify(ctx, petIdx, err)
	}
	conn, err := m.workerConn(ctx, petIdx)
	if err != nil {
		return nil, m.classify(ctx, petIdx, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second+m.cfg.TimeoutEps)
	defer cancel()

	logger.Debug().Msg("Dispatching worker RPC")
	resp, err := conn.Query(callCtx, routeName, updated, timeout)
	if err != nil {
		return nil, m.classify(ctx, petIdx, err)
	}

	// 7-8. Record the call into the history and tag the returned state
	// with the generation observed under the lock.
	gen, err := m.generation(ctx, petIdx)
	if err != nil {
		return nil, m.classify(ctx, petIdx, err)
	}
	tagged, err := m.recordCall(ctx, sess, route, params, timeout, resp, gen)
	if err != nil {
		return nil, m.classify(ctx, petIdx, err)
	}
	return tagged, nil
}

// classify maps an arbitrary call-path failure onto the error taxonomy and
// applies the restart policy: worker timeouts and unknown failures flag the
// worker, structured protocol errors do not.
func (m *Manager) classify(ctx context.Context, petIdx int, err error) error {
	var petErr *petrpc.Error
	if errors.As(err, &petErr) {
		if petErr.IsTimeout() {
			m.killSignal(ctx, petIdx)
			return wrapError(CodeTimeout, petErr, "worker %d timed out", petIdx)
		}
		return wrapError(CodeProtocolError, petErr, "worker %d returned an error", petIdx)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		m.killSignal(ctx, petIdx)
		return wrapError(CodeTimeout, err, "worker %d RPC exceeded deadline", petIdx)
	}
	var se *Error
	if errors.As(err, &se) {
		if se.RequireRestart {
			m.killSignal(ctx, petIdx)
		}
		return se
	}
	m.killSignal(ctx, petIdx)
	return wrapError(CodeInternal, err, "call failed on worker %d", petIdx)
}

// killSignal flags the worker for restart. The manager's only allowed
// status transition is OK -> RESTART_NEEDED; every other state already
// belongs to the arbiter. The cached connection is dropped either way.
func (m *Manager) killSignal(ctx context.Context, petIdx int) {
	m.mu.Lock()
	if m.conns[petIdx] != nil {
		m.conns[petIdx].Close()
		m.conns[petIdx] = nil
	}
	m.mu.Unlock()

	status, err := m.kv.Get(ctx, kv.PetStatusKey(petIdx))
	if err != nil {
		m.logger.Warn().Err(err).Int("pet_idx", petIdx).Msg("Failed to read worker status for kill signal")
		return
	}
	if kv.Status(status) != kv.StatusOK {
		return
	}
	if err := m.kv.Set(ctx, kv.PetStatusKey(petIdx), string(kv.StatusRestartNeeded)); err != nil {
		m.logger.Warn().Err(err).Int("pet_idx", petIdx).Msg("Failed to flag worker restart")
		return
	}
	m.logger.Warn().Int("pet_idx", petIdx).Msg("Kill signal sent")
}

// ensurePetOK publishes a probe and waits for the arbiter's acknowledgment
// of one complete supervisor tick for this worker.
func (m *Manager) ensurePetOK(ctx context.Context, petIdx int) error {
	reqID := uuid.NewString()
	replyChannel := kv.ArbiterReplyChannel(petIdx, reqID)

	sub := m.kv.Subscribe(ctx, replyChannel)
	defer sub.Close()
	// wait for the subscription to be live before publishing, or the
	// reply can slip past us
	if _, err := sub.Receive(ctx); err != nil {
		return wrapError(CodeInternal, err, "failed to subscribe to arbiter reply channel")
	}

	payload, err := json.Marshal(probeRequest{ID: reqID, ReplyTo: replyChannel})
	if err != nil {
		return wrapError(CodeInternal, err, "failed to encode probe")
	}
	if err := m.kv.Publish(ctx, kv.ArbiterRequestChannel(petIdx), payload); err != nil {
		return wrapError(CodeInternal, err, "failed to publish probe")
	}

	deadline := time.NewTimer(m.cfg.TimeoutOK)
	defer deadline.Stop()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return wrapError(CodeUnavailable, ctx.Err(), "worker %d probe cancelled", petIdx)
		case <-deadline.C:
			status, _ := m.kv.Get(ctx, kv.PetStatusKey(petIdx))
			return &Error{
				Code:           CodeUnavailable,
				Message:        fmt.Sprintf("worker %d not available (no arbiter reply, status=%s)", petIdx, status),
				RequireRestart: true,
			}
		case msg, ok := <-ch:
			if !ok {
				return newError(CodeUnavailable, "worker %d reply channel closed", petIdx)
			}
			var reply probeReply
			if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
				continue
			}
			if reply.ID == reqID {
				return nil
			}
		}
	}
}

// workerConn returns a connection to the worker, reconnecting when the
// generation moved since the cached connection was opened.
func (m *Manager) workerConn(ctx context.Context, petIdx int) (*petrpc.Conn, error) {
	gen, err := m.generation(ctx, petIdx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[petIdx] != nil && m.connGens[petIdx] == gen {
		return m.conns[petIdx], nil
	}
	if m.conns[petIdx] != nil {
		m.conns[petIdx].Close()
		m.conns[petIdx] = nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", m.cfg.Port(petIdx))
	conn, err := petrpc.Dial(addr, dialTimeout)
	if err != nil {
		return nil, &Error{
			Code:           CodeUnavailable,
			Message:        fmt.Sprintf("failed to connect to worker %d at %s", petIdx, addr),
			RequireRestart: true,
			Err:            err,
		}
	}
	m.conns[petIdx] = conn
	m.connGens[petIdx] = gen
	return conn, nil
}

// generation reads the worker's current restart epoch.
func (m *Manager) generation(ctx context.Context, petIdx int) (int64, error) {
	gen, err := m.kv.GetInt(ctx, kv.GenerationKey(petIdx))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, newError(CodeUnavailable, "no generation recorded for worker %d; is the arbiter running?", petIdx)
	}
	if err != nil {
		return 0, wrapError(CodeInternal, err, "failed to read generation for worker %d", petIdx)
	}
	return gen, nil
}

// recordCall appends the finished call to the session's history and tags
// the returned state with the observed generation. Query-only routes pass
// through untouched.
func (m *Manager) recordCall(ctx context.Context, sess *Session, route routes.Route, origParams map[string]json.RawMessage, timeout float64, resp json.RawMessage, gen int64) (json.RawMessage, error) {
	if !route.ProducesState {
		return resp, nil
	}

	newState, err := extractState(resp, gen)
	if err != nil {
		return nil, err
	}
	query := QueryKwargs{RouteName: route.Name, Params: origParams, Timeout: timeout}.clone()

	switch route.Class {
	case routes.ClassInitial:
		tree := NewParamsTree(newState.Key(), query)
		if err := tree.Save(ctx, m.kv, sess.ID); err != nil {
			return nil, wrapError(CodeInternal, err, "failed to persist params tree")
		}
		m.cacheParamsTree(sess.ID, tree)
		if err := m.indexState(ctx, sess, newState.Key(), tree.ID); err != nil {
			return nil, err
		}

	case routes.ClassSession:
		parent, err := paramState(origParams, route.ParentField)
		if err != nil {
			return nil, err
		}
		mt, err := m.mappingTreeFor(ctx, sess, parent.Key())
		if err != nil {
			return nil, err
		}
		treeID, ok := mt.Get(parent.Key())
		if !ok {
			return nil, newError(CodeProtocolError, "state %s is not indexed for session %q", parent.Key(), sess.ID)
		}
		// mutate a fresh copy; the cached one may predate another
		// process's writes under a previous lock hand-off
		tree, err := LoadParamsTree(ctx, m.kv, sess.ID, treeID)
		if err != nil {
			return nil, wrapError(CodeInternal, err, "failed to load params tree %s", treeID)
		}
		parentNode, err := tree.FindNode(parent.Key())
		if err != nil {
			return nil, &Error{Code: CodeInternal, Message: err.Error(), RequireRestart: true, Err: err}
		}
		child := NewParamsTree(newState.Key(), query)
		parentNode.AddChild(child)
		if err := tree.Save(ctx, m.kv, sess.ID); err != nil {
			return nil, wrapError(CodeInternal, err, "failed to persist params tree")
		}
		m.cacheParamsTree(sess.ID, tree)
		if err := m.indexState(ctx, sess, newState.Key(), treeID); err != nil {
			return nil, err
		}
	}

	return tagStateResponse(resp, gen)
}

// indexState adds a state -> tree entry to the session's mapping tree,
// read-modify-write against the store so entries written by other
// processes are never clobbered.
func (m *Manager) indexState(ctx context.Context, sess *Session, stateKey, treeID string) error {
	mt, err := LoadMappingTree(ctx, m.kv, sess.ID)
	if errors.Is(err, kv.ErrNotFound) {
		return newError(CodeNotFound, "no mapping tree for session %q", sess.ID)
	}
	if err != nil {
		return wrapError(CodeInternal, err, "failed to load mapping tree for session %q", sess.ID)
	}
	mt.Add(stateKey, treeID)
	if err := mt.Save(ctx, m.kv, sess.ID); err != nil {
		return wrapError(CodeInternal, err, "failed to persist mapping tree")
	}

	m.mu.Lock()
	m.mappingTrees[sess.ID] = mt
	m.mu.Unlock()
	return nil
}

// ArchiveSession appends a session and its history trees to the append-only
// archive list. Administrative; the session itself stays usable.
func (m *Manager) ArchiveSession(ctx context.Context, sessionID string) error {
	sess, err := m.sessionFor(ctx, sessionID, true)
	if err != nil {
		return err
	}
	mt, err := m.mappingTreeFor(ctx, sess, "")
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	trees := make([]*ParamsTree, 0, len(mt.Mapping))
	for _, treeID := range mt.Mapping {
		if seen[treeID] {
			continue
		}
		seen[treeID] = true
		tree, err := LoadParamsTree(ctx, m.kv, sessionID, treeID)
		if err != nil {
			return wrapError(CodeInternal, err, "failed to load params tree %s", treeID)
		}
		trees = append(trees, tree)
	}

	entry, err := json.Marshal(map[string]interface{}{
		"session":      sess,
		"params_trees": trees,
	})
	if err != nil {
		return wrapError(CodeInternal, err, "failed to encode archive entry")
	}
	if err := m.kv.RPush(ctx, kv.ArchivedSessionsKey(), entry); err != nil {
		return wrapError(CodeInternal, err, "failed to append archive entry")
	}

	metrics.SessionsArchivedTotal.Inc()
	m.broker.Publish(&events.Event{
		Type:     events.EventSessionArchived,
		Message:  "session archived",
		Metadata: map[string]string{"session_id": sessionID},
	})
	return nil
}

// paramState decodes the state handle stored in a params field.
func paramState(params map[string]json.RawMessage, field string) (State, error) {
	raw, ok := params[field]
	if !ok {
		return State{}, newError(CodeProtocolError, "missing state field %q", field)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, wrapError(CodeProtocolError, err, "field %q is not a state", field)
	}
	return st, nil
}

// extractState reads the state handle out of a worker response and tags it
// with the generation observed under the lock.
func extractState(resp json.RawMessage, gen int64) (State, error) {
	var st struct {
		St *int64 `json:"st"`
	}
	if err := json.Unmarshal(resp, &st); err != nil || st.St == nil {
		return State{}, newError(CodeProtocolError, "worker response does not carry a state handle")
	}
	return State{St: *st.St, Generation: gen}, nil
}

// tagStateResponse rewrites the generation field of a state-carrying
// response. Workers know nothing about generations; the tag is minted here.
func tagStateResponse(resp json.RawMessage, gen int64) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp, &fields); err != nil {
		return nil, wrapError(CodeProtocolError, err, "worker response is not an object")
	}
	genRaw, err := json.Marshal(gen)
	if err != nil {
		return nil, wrapError(CodeInternal, err, "failed to encode generation")
	}
	fields["generation"] = genRaw
	tagged, err := json.Marshal(fields)
	if err != nil {
		return nil, wrapError(CodeInternal, err, "failed to encode tagged response")
	}
	return tagged, nil
}
