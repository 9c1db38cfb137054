package session

import (
	"context"
	"encoding/json"

	"github.com/cuemby/hutch/pkg/routes"
)

// Typed wrappers over Call, one per worker route. Each builds the params
// object the worker expects, resolves the route's default execution budget
// when the caller passes 0, and decodes the response where it has a stable
// shape. The request layer can use these or drive Call directly.

// buildParams marshals a field map into wire params.
func buildParams(fields map[string]interface{}) (map[string]json.RawMessage, error) {
	params := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, wrapError(CodeProtocolError, err, "failed to encode param %q", k)
		}
		params[k] = raw
	}
	return params, nil
}

// resolveTimeout substitutes the route default for an unset budget.
func resolveTimeout(name string, timeout float64) float64 {
	if timeout != 0 {
		return timeout
	}
	if route, err := routes.Lookup(name); err == nil {
		return route.DefaultTimeout
	}
	return timeout
}

// callState performs a call and decodes the tagged state response.
func (m *Manager) callState(ctx context.Context, sessionID, routeName string, fields map[string]interface{}, timeout float64) (State, error) {
	params, err := buildParams(fields)
	if err != nil {
		return State{}, err
	}
	resp, err := m.Call(ctx, sessionID, routeName, params, resolveTimeout(routeName, timeout))
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(resp, &st); err != nil {
		return State{}, wrapError(CodeProtocolError, err, "failed to decode state response")
	}
	return st, nil
}

// callRaw performs a call and returns the response verbatim.
func (m *Manager) callRaw(ctx context.Context, sessionID, routeName string, fields map[string]interface{}, timeout float64) (json.RawMessage, error) {
	params, err := buildParams(fields)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, sessionID, routeName, params, resolveTimeout(routeName, timeout))
}

// GetStateAtPos loads the proof state at a file position. Opens a new
// history tree.
func (m *Manager) GetStateAtPos(ctx context.Context, sessionID, filepath string, line, character int, failure bool, timeout float64) (State, error) {
	return m.callState(ctx, sessionID, routes.GetStateAtPos, map[string]interface{}{
		"filepath":  filepath,
		"line":      line,
		"character": character,
		"failure":   failure,
	}, timeout)
}

// GetRootState loads the root state of a document. Opens a new history
// tree. opts may be nil.
func (m *Manager) GetRootState(ctx context.Context, sessionID, file string, opts json.RawMessage, timeout float64) (State, error) {
	fields := map[string]interface{}{"file": file}
	if opts != nil {
		fields["opts"] = opts
	}
	return m.callState(ctx, sessionID, routes.GetRootState, fields, timeout)
}

// Start opens a proof session for a theorem. Opens a new history tree.
// preCommands and opts may be empty/nil.
func (m *Manager) Start(ctx context.Context, sessionID, file, thm, preCommands string, opts json.RawMessage, timeout float64) (State, error) {
	fields := map[string]interface{}{"file": file, "thm": thm}
	if preCommands != "" {
		fields["pre_commands"] = preCommands
	}
	if opts != nil {
		fields["opts"] = opts
	}
	return m.callState(ctx, sessionID, routes.Start, fields, timeout)
}

// Run executes a tactic on a state, producing a new state.
func (m *Manager) Run(ctx context.Context, sessionID string, state State, tactic string, failure bool, timeout float64) (State, error) {
	return m.callState(ctx, sessionID, routes.Run, map[string]interface{}{
		"state":   state,
		"tactic":  tactic,
		"failure": failure,
	}, timeout)
}

// Goals returns the goals of a state.
func (m *Manager) Goals(ctx context.Context, sessionID string, state State, pretty bool, timeout float64) (json.RawMessage, error) {
	return m.callRaw(ctx, sessionID, routes.Goals, map[string]interface{}{
		"state":  state,
		"pretty": pretty,
	}, timeout)
}

// CompleteGoals returns the complete goal structure of a state.
func (m *Manager) CompleteGoals(ctx context.Context, sessionID string, state State, pretty bool, timeout float64) (json.RawMessage, error) {
	return m.callRaw(ctx, sessionID, routes.CompleteGoals, map[string]interface{}{
		"state":  state,
		"pretty": pretty,
	}, timeout)
}

// Premises returns the premises accessible from a state.
func (m *Manager) Premises(ctx context.Context, sessionID string, state State, timeout float64) (json.RawMessage, error) {
	return m.callRaw(ctx, sessionID, routes.Premises, map[string]interface{}{
		"state": state,
	}, timeout)
}

// StateEqual compares two states under an inspection kind.
func (m *Manager) StateEqual(ctx context.Context, sessionID string, st1, st2 State, kind json.RawMessage, timeout float64) (bool, error) {
	fields := map[string]interface{}{"st1": st1, "st2": st2}
	if kind != nil {
		fields["kind"] = kind
	}
	resp, err := m.callRaw(ctx, sessionID, routes.StateEqual, fields, timeout)
	if err != nil {
		return false, err
	}
	var equal bool
	if err := json.Unmarshal(resp, &equal); err != nil {
		return false, wrapError(CodeProtocolError, err, "failed to decode state_equal response")
	}
	return equal, nil
}

// StateHash returns a hash of a state.
func (m *Manager) StateHash(ctx context.Context, sessionID string, state State, timeout float64) (int64, error) {
	resp, err := m.callRaw(ctx, sessionID, routes.StateHash, map[string]interface{}{
		"state": state,
	}, timeout)
	if err != nil {
		return 0, err
	}
	var hash int64
	if err := json.Unmarshal(resp, &hash); err != nil {
		return 0, wrapError(CodeProtocolError, err, "failed to decode state_hash response")
	}
	return hash, nil
}

// Ast parses a command at a state and returns its AST.
func (m *Manager) Ast(ctx context.Context, sessionID string, state State, text string, timeout float64) (json.RawMessage, error) {
	return m.callRaw(ctx, sessionID, routes.Ast, map[string]interface{}{
		"state": state,
		"text":  text,
	}, timeout)
}

// AstAtPos returns the AST at a file position.
func (m *Manager) AstAtPos(ctx context.Context, sessionID, file string, line, character int, timeout float64) (json.RawMessage, error) {
	return m.callRaw(ctx, sessionID, routes.AstAtPos, map[string]interface{}{
		"file":      file,
		"line":      line,
		"character": character,
	}, timeout)
}

// Toc returns the table of contents of a file.
func (m *Manager) Toc(ctx context.Context, sessionID, file string, timeout float64) (json.RawMessage, error) {
	return m.callRaw(ctx, sessionID, routes.Toc, map[string]interface{}{
		"file": file,
	}, timeout)
}

// ListNotationsInStatement lists the notations appearing in a statement.
func (m *Manager) ListNotationsInStatement(ctx context.Context, sessionID string, state State, statement string, timeout float64) (json.RawMessage, error) {
	return m.callRaw(ctx, sessionID, routes.ListNotationsInStatement, map[string]interface{}{
		"state":     state,
		"statement": statement,
	}, timeout)
}
