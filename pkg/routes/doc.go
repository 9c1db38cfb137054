/*
Package routes is the registry of pet-server routes.

The session manager is generic over routes: it needs to know, for any given
route, which params fields carry state handles (to refresh them before the
call), which field is the parent state (to hang the recorded call off the
right history node), and whether the response mints a new state (to tag it
with the worker generation and index it). That metadata lives here, keyed by
route name, so the per-call algorithm never special-cases individual routes.

Route classes:

  - initial-session: produces a state without consuming one; opens a new
    history tree root (get_state_at_pos, get_root_state, start).
  - session: consumes one or more states (run, ast, goals, complete_goals,
    premises, state_equal, state_hash, list_notations_in_statement). Only
    run produces a new state.
  - standalone: no states either way (toc, ast_at_pos).
*/
package routes
