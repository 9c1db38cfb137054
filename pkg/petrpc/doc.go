/*
Package petrpc implements the socket client for the pet-server worker
protocol.

A pet-server is a black-box theorem-prover subprocess listening on a fixed
port. The protocol is newline-delimited JSON frames:

	-> {"id":1,"route":"run","params":{"state":{...},"tactic":"intro."},"timeout":60}
	<- {"id":1,"resp":{"st":42}}
	<- {"id":1,"error":{"code":-33000,"message":"execution timed out"}}

Payloads are opaque to Hutch; the session manager only needs to find and
rewrite state-typed fields inside params, which it does via the routes
registry, not by inspecting this package's traffic.

Cancellation is cooperative at the call boundary: the context deadline is
mapped onto the socket, and when it fires the connection is closed and the
in-flight call abandoned. There is no graceful RPC cancellation; the caller
is expected to signal a worker restart afterwards.

CodeTimeout (-33000) is the well-known structured error a worker returns
when a route exceeded its execution budget. It is the one protocol error
that induces a restart.
*/
package petrpc
