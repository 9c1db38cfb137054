package routes

import "fmt"

// Class partitions worker routes by how they interact with proof states.
type Class int

const (
	// ClassInitial routes produce a state without consuming one; each
	// call opens a new history tree root.
	ClassInitial Class = iota
	// ClassSession routes consume at least one existing state.
	ClassSession
	// ClassStandalone routes neither consume nor produce states.
	ClassStandalone
)

func (c Class) String() string {
	switch c {
	case ClassInitial:
		return "initial-session"
	case ClassSession:
		return "session"
	case ClassStandalone:
		return "standalone"
	default:
		return "unknown"
	}
}

// Route describes one pet-server route: its class, which param fields carry
// state handles, and whether the response is a new state.
type Route struct {
	Name string
	Class
	// StateFields are the params fields holding state handles, in the
	// order they should be refreshed.
	StateFields []string
	// ParentField is the state field whose node the recorded call hangs
	// off in the history tree. Empty for non-session routes.
	ParentField string
	// ProducesState marks routes whose response is a fresh state handle.
	ProducesState bool
	// DefaultTimeout is the server-side execution budget in seconds used
	// when the caller does not provide one.
	DefaultTimeout float64
}

// Route names. The set is fixed by the worker protocol.
const (
	GetStateAtPos            = "get_state_at_pos"
	GetRootState             = "get_root_state"
	Start                    = "start"
	Run                      = "run"
	Ast                      = "ast"
	Goals                    = "goals"
	CompleteGoals            = "complete_goals"
	Premises                 = "premises"
	StateEqual               = "state_equal"
	StateHash                = "state_hash"
	ListNotationsInStatement = "list_notations_in_statement"
	Toc                      = "toc"
	AstAtPos                 = "ast_at_pos"
)

var registry = map[string]Route{
	GetStateAtPos: {Name: GetStateAtPos, Class: ClassInitial, ProducesState: true, DefaultTimeout: 120},
	GetRootState:  {Name: GetRootState, Class: ClassInitial, ProducesState: true, DefaultTimeout: 10},
	Start:         {Name: Start, Class: ClassInitial, ProducesState: true, DefaultTimeout: 10},

	Run: {Name: Run, Class: ClassSession, StateFields: []string{"state"}, ParentField: "state", ProducesState: true, DefaultTimeout: 60},

	Ast:                      {Name: Ast, Class: ClassSession, StateFields: []string{"state"}, ParentField: "state", DefaultTimeout: 10},
	Goals:                    {Name: Goals, Class: ClassSession, StateFields: []string{"state"}, ParentField: "state", DefaultTimeout: 10},
	CompleteGoals:            {Name: CompleteGoals, Class: ClassSession, StateFields: []string{"state"}, ParentField: "state", DefaultTimeout: 10},
	Premises:                 {Name: Premises, Class: ClassSession, StateFields: []string{"state"}, ParentField: "state", DefaultTimeout: 10},
	StateEqual:               {Name: StateEqual, Class: ClassSession, StateFields: []string{"st1", "st2"}, ParentField: "st1", DefaultTimeout: 10},
	StateHash:                {Name: StateHash, Class: ClassSession, StateFields: []string{"state"}, ParentField: "state", DefaultTimeout: 10},
	ListNotationsInStatement: {Name: ListNotationsInStatement, Class: ClassSession, StateFields: []string{"state"}, ParentField: "state", DefaultTimeout: 10},

	Toc:      {Name: Toc, Class: ClassStandalone, DefaultTimeout: 120},
	AstAtPos: {Name: AstAtPos, Class: ClassStandalone, DefaultTimeout: 10},
}

// Lookup resolves a route by name.
func Lookup(name string) (Route, error) {
	r, ok := registry[name]
	if !ok {
		return Route{}, fmt.Errorf("unknown route %q", name)
	}
	return r, nil
}

// All returns every registered route. Used by tests and tooling.
func All() []Route {
	out := make([]Route, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	return out
}
