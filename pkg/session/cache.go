package session

import (
	"context"
	"errors"

	"github.com/cuemby/hutch/pkg/kv"
)

// The manager keeps four in-process caches keyed by session id. Reads go
// through the cache and fall back to the KV store on a miss or when a
// consistency check fails (a state the caller holds is not in the cached
// copy, meaning another process wrote a newer version). Writes always go
// to the store before the call returns, so the cache is never the only
// holder of a record.

// sessionFor returns the session record, bypassing the cache when reload
// is set (used after lock acquisition, where the record may have changed
// under a lock hand-off).
func (m *Manager) sessionFor(ctx context.Context, sessionID string, reload bool) (*Session, error) {
	if !reload {
		m.mu.Lock()
		if sess, ok := m.sessions[sessionID]; ok {
			m.mu.Unlock()
			return sess, nil
		}
		m.mu.Unlock()
	}

	sess, err := LoadSession(ctx, m.kv, sessionID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, newError(CodeNotFound, "unknown session %q", sessionID)
	}
	if err != nil {
		return nil, wrapError(CodeInternal, err, "failed to load session %q", sessionID)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	return sess, nil
}

// mappingStateFor returns the session's state mapping. When requireKey is
// non-empty and absent from the cached copy, the mapping is reloaded from
// the store; an image written by a previous lock holder may not be cached
// here yet. The mapping legitimately may not contain the key even after a
// reload (first refresh of a state), so no containment error is raised.
func (m *Manager) mappingStateFor(ctx context.Context, sess *Session, requireKey string) (*MappingState, error) {
	m.mu.Lock()
	ms, cached := m.mappingStates[sess.ID]
	m.mu.Unlock()

	if cached && (requireKey == "" || ms.Contains(requireKey)) {
		return ms, nil
	}

	loaded, err := LoadMappingState(ctx, m.kv, sess.ID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, newError(CodeNotFound, "no mapping state for session %q", sess.ID)
	}
	if err != nil {
		return nil, wrapError(CodeInternal, err, "failed to load mapping state for session %q", sess.ID)
	}

	m.mu.Lock()
	m.mappingStates[sess.ID] = loaded
	m.mu.Unlock()
	return loaded, nil
}

// mappingTreeFor returns the session's tree index. When requireKey is
// non-empty the index must contain it, reloading once from the store
// before declaring the state unknown.
func (m *Manager) mappingTreeFor(ctx context.Context, sess *Session, requireKey string) (*MappingTree, error) {
	m.mu.Lock()
	mt, cached := m.mappingTrees[sess.ID]
	m.mu.Unlock()

	if cached && (requireKey == "" || mt.Contains(requireKey)) {
		return mt, nil
	}

	loaded, err := LoadMappingTree(ctx, m.kv, sess.ID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, newError(CodeNotFound, "no mapping tree for session %q", sess.ID)
	}
	if err != nil {
		return nil, wrapError(CodeInternal, err, "failed to load mapping tree for session %q", sess.ID)
	}

	m.mu.Lock()
	m.mappingTrees[sess.ID] = loaded
	m.mu.Unlock()

	if requireKey != "" && !loaded.Contains(requireKey) {
		return nil, newError(CodeProtocolError, "state %s is not indexed for session %q", requireKey, sess.ID)
	}
	return loaded, nil
}

// paramsTreeFor returns the history tree containing stateKey, resolving
// through the tree index and reloading the tree when the cached copy does
// not contain the state.
func (m *Manager) paramsTreeFor(ctx context.Context, sess *Session, stateKey string) (*ParamsTree, error) {
	mt, err := m.mappingTreeFor(ctx, sess, stateKey)
	if err != nil {
		return nil, err
	}
	treeID, ok := mt.Get(stateKey)
	if !ok {
		return nil, newError(CodeProtocolError, "state %s is not indexed for session %q", stateKey, sess.ID)
	}

	m.mu.Lock()
	tree, cached := m.paramsTrees[sess.ID][treeID]
	m.mu.Unlock()

	if cached && tree.Contains(stateKey) {
		return tree, nil
	}

	loaded, err := LoadParamsTree(ctx, m.kv, sess.ID, treeID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, newError(CodeNotFound, "no params tree %s for session %q", treeID, sess.ID)
	}
	if err != nil {
		return nil, wrapError(CodeInternal, err, "failed to load params tree %s for session %q", treeID, sess.ID)
	}

	m.cacheParamsTree(sess.ID, loaded)

	if !loaded.Contains(stateKey) {
		return nil, newError(CodeProtocolError, "state %s is not recorded in tree %s", stateKey, treeID)
	}
	return loaded, nil
}

// cacheParamsTree stores a tree in the per-session tree cache.
func (m *Manager) cacheParamsTree(sessionID string, tree *ParamsTree) {
	m.mu.Lock()
	if m.paramsTrees[sessionID] == nil {
		m.paramsTrees[sessionID] = make(map[string]*ParamsTree)
	}
	m.paramsTrees[sessionID][tree.ID] = tree
	m.mu.Unlock()
}
