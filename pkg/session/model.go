package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/kv"
)

// State is an opaque proof-state handle tagged with the generation of the
// worker that produced it. The tag is the canonical staleness carrier: a
// handle is only valid on the generation it was minted in.
type State struct {
	St         int64 `json:"st"`
	Generation int64 `json:"generation"`
}

// Key returns the content identifier "<generation>:<handle>" used to index
// states in history trees and mappings.
func (s State) Key() string {
	return fmt.Sprintf("%d:%d", s.Generation, s.St)
}

// QueryKwargs records the exact RPC that produced a state: route name,
// params verbatim as sent by the client, and the execution budget. Replay
// re-derives the rewritten params from these.
type QueryKwargs struct {
	RouteName string                     `json:"route_name"`
	Params    map[string]json.RawMessage `json:"params"`
	Timeout   float64                    `json:"timeout"`
}

// clone deep-copies the params map; RawMessage values are copied so replay
// never mutates the persisted record.
func (q QueryKwargs) clone() QueryKwargs {
	params := make(map[string]json.RawMessage, len(q.Params))
	for k, v := range q.Params {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		params[k] = cp
	}
	return QueryKwargs{RouteName: q.RouteName, Params: params, Timeout: q.Timeout}
}

// ParamsTree is one node of a session's history tree: the state it recorded
// and the call that produced it. A session holds a forest of these, one tree
// per initial-session call.
type ParamsTree struct {
	ID          string        `json:"id"`
	StateKey    string        `json:"state_key"`
	QueryKwargs QueryKwargs   `json:"query_kwargs"`
	Children    []*ParamsTree `json:"children"`
	Parent      *ParamsTree   `json:"-"`
}

// NewParamsTree creates a node for a freshly produced state.
func NewParamsTree(stateKey string, query QueryKwargs) *ParamsTree {
	return &ParamsTree{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		StateKey:    stateKey,
		QueryKwargs: query,
	}
}

// AddChild appends a child node and wires its parent pointer.
func (t *ParamsTree) AddChild(child *ParamsTree) {
	child.Parent = t
	t.Children = append(t.Children, child)
}

// FindNode locates the node carrying stateKey anywhere under t. The visited
// set guards against corrupted (cyclic) trees, which are forbidden by
// construction.
func (t *ParamsTree) FindNode(stateKey string) (*ParamsTree, error) {
	visited := make(map[*ParamsTree]bool)
	stack := []*ParamsTree{t}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[node] {
			return nil, fmt.Errorf("cycle detected in params tree %s", t.ID)
		}
		visited[node] = true
		if node.StateKey == stateKey {
			return node, nil
		}
		stack = append(stack, node.Children...)
	}
	return nil, fmt.Errorf("state %s not found in params tree %s", stateKey, t.ID)
}

// Contains reports whether stateKey belongs to this tree.
func (t *ParamsTree) Contains(stateKey string) bool {
	node, err := t.FindNode(stateKey)
	return err == nil && node != nil
}

// FindPath returns the root-first path of nodes leading to stateKey.
func (t *ParamsTree) FindPath(stateKey string) ([]*ParamsTree, error) {
	node, err := t.FindNode(stateKey)
	if err != nil {
		return nil, err
	}
	var path []*ParamsTree
	seen := make(map[*ParamsTree]bool)
	for n := node; n != nil; n = n.Parent {
		if seen[n] {
			return nil, fmt.Errorf("cycle detected in params tree %s", t.ID)
		}
		seen[n] = true
		path = append(path, n)
	}
	// reverse to root-first order
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// UnmarshalJSON decodes a tree and rebuilds the parent pointers, which are
// not serialized.
func (t *ParamsTree) UnmarshalJSON(data []byte) error {
	type alias ParamsTree
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = ParamsTree(raw)
	for _, child := range t.Children {
		child.Parent = t
	}
	return nil
}

// Save persists the tree under its session-scoped key.
func (t *ParamsTree) Save(ctx context.Context, client *kv.Client, sessionID string) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode params tree %s: %w", t.ID, err)
	}
	return client.Set(ctx, kv.ParamsTreeKey(sessionID, t.ID), data)
}

// LoadParamsTree fetches one tree of a session.
func LoadParamsTree(ctx context.Context, client *kv.Client, sessionID, treeID string) (*ParamsTree, error) {
	raw, err := client.Get(ctx, kv.ParamsTreeKey(sessionID, treeID))
	if err != nil {
		return nil, err
	}
	var tree ParamsTree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("failed to decode params tree %s: %w", treeID, err)
	}
	return &tree, nil
}

// MappingState forwards stale state keys to the fresh states replay minted
// for them on the current generation.
type MappingState struct {
	Mapping map[string]State `json:"mapping"`
}

// NewMappingState creates an empty mapping.
func NewMappingState() *MappingState {
	return &MappingState{Mapping: make(map[string]State)}
}

// Get returns the image of a state key, if any.
func (m *MappingState) Get(stateKey string) (State, bool) {
	st, ok := m.Mapping[stateKey]
	return st, ok
}

// Add records the fresh image of an old state key.
func (m *MappingState) Add(oldStateKey string, newState State) {
	m.Mapping[oldStateKey] = newState
}

// Contains reports whether a state key has an image.
func (m *MappingState) Contains(stateKey string) bool {
	_, ok := m.Mapping[stateKey]
	return ok
}

// Save persists the mapping for a session.
func (m *MappingState) Save(ctx context.Context, client *kv.Client, sessionID string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode mapping state: %w", err)
	}
	return client.Set(ctx, kv.MappingStateKey(sessionID), data)
}

// LoadMappingState fetches a session's state mapping.
func LoadMappingState(ctx context.Context, client *kv.Client, sessionID string) (*MappingState, error) {
	raw, err := client.Get(ctx, kv.MappingStateKey(sessionID))
	if err != nil {
		return nil, err
	}
	ms := NewMappingState()
	if err := json.Unmarshal([]byte(raw), ms); err != nil {
		return nil, fmt.Errorf("failed to decode mapping state: %w", err)
	}
	if ms.Mapping == nil {
		ms.Mapping = make(map[string]State)
	}
	return ms, nil
}

// MappingTree indexes every live state key to the id of the history tree
// whose nodes can reproduce it.
type MappingTree struct {
	Mapping map[string]string `json:"mapping"`
}

// NewMappingTree creates an empty index.
func NewMappingTree() *MappingTree {
	return &MappingTree{Mapping: make(map[string]string)}
}

// Get returns the tree id indexed for a state key.
func (m *MappingTree) Get(stateKey string) (string, bool) {
	id, ok := m.Mapping[stateKey]
	return id, ok
}

// Add indexes a state key to a tree.
func (m *MappingTree) Add(stateKey, treeID string) {
	m.Mapping[stateKey] = treeID
}

// Contains reports whether a state key is indexed.
func (m *MappingTree) Contains(stateKey string) bool {
	_, ok := m.Mapping[stateKey]
	return ok
}

// Save persists the index for a session.
func (m *MappingTree) Save(ctx context.Context, client *kv.Client, sessionID string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode mapping tree: %w", err)
	}
	return client.Set(ctx, kv.MappingTreeKey(sessionID), data)
}

// LoadMappingTree fetches a session's tree index.
func LoadMappingTree(ctx context.Context, client *kv.Client, sessionID string) (*MappingTree, error) {
	raw, err := client.Get(ctx, kv.MappingTreeKey(sessionID))
	if err != nil {
		return nil, err
	}
	mt := NewMappingTree()
	if err := json.Unmarshal([]byte(raw), mt); err != nil {
		return nil, fmt.Errorf("failed to decode mapping tree: %w", err)
	}
	if mt.Mapping == nil {
		mt.Mapping = make(map[string]string)
	}
	return mt, nil
}

// Session is one long-lived client context, pinned to a worker index for its
// whole lifetime.
type Session struct {
	ID     string `json:"id"`
	PetIdx int    `json:"pet_idx"`
}

// NewSession creates a session bound to a worker index.
func NewSession(petIdx int) *Session {
	return &Session{
		ID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		PetIdx: petIdx,
	}
}

// Save persists the session record.
func (s *Session) Save(ctx context.Context, client *kv.Client) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return client.Set(ctx, kv.SessionKey(s.ID), data)
}

// LoadSession fetches a session record by id.
func LoadSession(ctx context.Context, client *kv.Client, sessionID string) (*Session, error) {
	raw, err := client.Get(ctx, kv.SessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &s, nil
}
