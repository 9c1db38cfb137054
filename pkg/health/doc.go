/*
Package health provides readiness probing for pet-server workers.

A pet-server's only surface is its TCP socket, so readiness is a successful
connect. The arbiter uses WaitReady with a TCPChecker as the settle wait
after every spawn: it flips a worker's status to OK as soon as something
accepts connections on its port, or when the settle interval elapses if
nothing does.

	checker := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", port))
	ctx, cancel := context.WithTimeout(ctx, settleInterval)
	defer cancel()
	if err := health.WaitReady(ctx, checker, 100*time.Millisecond); err != nil {
		// worker not listening within the settle interval
	}

The Checker interface stays open for other probe styles; TCP is the only
one a black-box prover supports today.
*/
package health
