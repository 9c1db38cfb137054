package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/kv"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/routes"
)

// refreshParams returns a copy of params with every state field rewritten
// to a live handle of the worker's current generation. Fresh states pass
// through untouched; stale ones are replayed. The input map is never
// mutated: the original params are what gets recorded in the history.
func (m *Manager) refreshParams(ctx context.Context, sess *Session, lock *kv.Lock, route routes.Route, params map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if len(route.StateFields) == 0 {
		return params, nil
	}

	updated := make(map[string]json.RawMessage, len(params))
	for k, v := range params {
		updated[k] = v
	}

	for _, field := range route.StateFields {
		st, err := paramState(updated, field)
		if err != nil {
			return nil, err
		}
		fresh, err := m.refreshState(ctx, sess, lock, st)
		if err != nil {
			return nil, err
		}
		if fresh == st {
			continue
		}
		raw, err := json.Marshal(fresh)
		if err != nil {
			return nil, wrapError(CodeInternal, err, "failed to encode refreshed state")
		}
		updated[field] = raw
	}
	return updated, nil
}

// refreshState returns a handle for st that is valid on the worker's
// current generation. A stale handle triggers replay: the recorded path of
// RPCs from the history tree's root down to st is re-executed on the
// current worker, root first, and every recomputed state is recorded in
// the session's MappingState so the next request skips the work.
func (m *Manager) refreshState(ctx context.Context, sess *Session, lock *kv.Lock, st State) (State, error) {
	gen, err := m.generation(ctx, sess.PetIdx)
	if err != nil {
		return State{}, err
	}
	if st.Generation == gen {
		return st, nil
	}

	ms, err := m.mappingStateFor(ctx, sess, st.Key())
	if err != nil {
		return State{}, err
	}
	if img, ok := ms.Get(st.Key()); ok && img.Generation == gen {
		return img, nil
	}

	tree, err := m.paramsTreeFor(ctx, sess, st.Key())
	if err != nil {
		return State{}, err
	}
	path, err := tree.FindPath(st.Key())
	if err != nil {
		// cycles are forbidden by construction; finding one means the
		// persisted record is corrupt
		return State{}, &Error{Code: CodeInternal, Message: err.Error(), RequireRestart: true, Err: err}
	}

	logger := m.logger.With().Str("session_id", sess.ID).Int("pet_idx", sess.PetIdx).Logger()
	logger.Info().Str("state_key", st.Key()).Int("path_len", len(path)).Msg("State inconsistency, replay mechanism ON")

	timer := metrics.NewTimer()
	metrics.ReplaysTotal.Inc()
	steps := 0

	for _, node := range path {
		if img, ok := ms.Get(node.StateKey); ok && img.Generation == gen {
			continue
		}
		if err := m.replayNode(ctx, sess, lock, ms, node, gen); err != nil {
			return State{}, err
		}
		steps++
	}

	if err := ms.Save(ctx, m.kv, sess.ID); err != nil {
		return State{}, wrapError(CodeInternal, err, "failed to persist mapping state")
	}
	timer.ObserveDuration(metrics.ReplayDuration)

	m.broker.Publish(&events.Event{
		Type:    events.EventReplayPerformed,
		Message: "stale state replayed",
		Metadata: map[string]string{
			"session_id": sess.ID,
			"state_key":  st.Key(),
		},
	})
	logger.Info().Int("steps", steps).Msg("Replay finished")

	img, ok := ms.Get(st.Key())
	if !ok {
		return State{}, newError(CodeInternal, "replay completed without producing an image for %s", st.Key())
	}
	return img, nil
}

// replayNode re-executes one recorded RPC on the current generation and
// maps the node's old state key to the freshly minted state.
func (m *Manager) replayNode(ctx context.Context, sess *Session, lock *kv.Lock, ms *MappingState, node *ParamsTree, gen int64) error {
	nodeRoute, err := routes.Lookup(node.QueryKwargs.RouteName)
	if err != nil {
		return &Error{Code: CodeInternal, Message: err.Error(), RequireRestart: true, Err: err}
	}

	// re-derive the rewritten params from the recorded originals; embedded
	// states refresh recursively (their nodes are ancestors on this path
	// or roots of sibling trees, so recursion terminates)
	query := node.QueryKwargs.clone()
	for _, field := range nodeRoute.StateFields {
		st, err := paramState(query.Params, field)
		if err != nil {
			return err
		}
		fresh, err := m.refreshState(ctx, sess, lock, st)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(fresh)
		if err != nil {
			return wrapError(CodeInternal, err, "failed to encode refreshed state")
		}
		query.Params[field] = raw
	}

	stepTimeout := query.Timeout
	if stepTimeout <= 0 {
		stepTimeout = nodeRoute.DefaultTimeout
	}

	// the lock must outlive this step; extend before every invocation
	if err := lock.Extend(ctx, time.Duration(stepTimeout)*time.Second+m.cfg.TimeoutEps); err != nil {
		return wrapError(CodeInternal, err, "failed to extend worker lock for replay")
	}

	conn, err := m.workerConn(ctx, sess.PetIdx)
	if err != nil {
		return err
	}
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(stepTimeout)*time.Second+m.cfg.TimeoutEps)
	defer cancel()

	m.logger.Debug().
		Str("session_id", sess.ID).
		Str("route", query.RouteName).
		Str("state_key", node.StateKey).
		Msg("Replaying recorded RPC")

	resp, err := conn.Query(stepCtx, query.RouteName, query.Params, stepTimeout)
	if err != nil {
		return err
	}

	newState, err := extractState(resp, gen)
	if err != nil {
		return err
	}
	ms.Add(node.StateKey, newState)
	metrics.ReplayStepsTotal.Inc()
	return nil
}
