package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/kv"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/petrpc"
	"github.com/cuemby/hutch/pkg/routes"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// petCall is one RPC observed by the fake worker.
type petCall struct {
	Route  string
	Params map[string]json.RawMessage
}

// fakePet is an in-process stand-in for a pet-server subprocess. It speaks
// the wire protocol, mints monotonically increasing state handles, and
// records every call so tests can assert on replay traffic.
type fakePet struct {
	ln net.Listener

	mu            sync.Mutex
	calls         []petCall
	nextSt        int64
	inFlight      int
	maxConcurrent int
}

func newFakePet(t *testing.T) *fakePet {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakePet{ln: ln}
	go p.serve()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakePet) port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *fakePet) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.serveConn(conn)
	}
}

func (p *fakePet) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     uint64                     `json:"id"`
			Route  string                     `json:"route"`
			Params map[string]json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		p.mu.Lock()
		p.calls = append(p.calls, petCall{Route: req.Route, Params: req.Params})
		p.inFlight++
		if p.inFlight > p.maxConcurrent {
			p.maxConcurrent = p.inFlight
		}
		p.mu.Unlock()

		// hold the call briefly so overlap would be observable
		time.Sleep(10 * time.Millisecond)

		out := map[string]interface{}{"id": req.ID}
		switch req.Route {
		case routes.GetStateAtPos, routes.GetRootState, routes.Start:
			out["resp"] = map[string]int64{"st": p.mint()}
		case routes.Run:
			var tactic string
			_ = json.Unmarshal(req.Params["tactic"], &tactic)
			if tactic == "loop." {
				out["error"] = &petrpc.Error{Code: petrpc.CodeTimeout, Message: "execution timed out"}
			} else {
				out["resp"] = map[string]int64{"st": p.mint()}
			}
		case routes.Goals, routes.Premises, routes.ListNotationsInStatement, routes.Toc:
			out["resp"] = []interface{}{}
		case routes.StateHash:
			out["resp"] = 42
		case routes.StateEqual:
			out["resp"] = true
		default:
			out["resp"] = map[string]interface{}{}
		}

		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()

		payload, _ := json.Marshal(out)
		payload = append(payload, '\n')
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func (p *fakePet) mint() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSt++
	return p.nextSt
}

func (p *fakePet) recordedRoutes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Route
	}
	return out
}

func (p *fakePet) maxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrent
}

// testEnv wires a manager to miniredis, a fake worker and a fake arbiter
// probe responder.
type testEnv struct {
	rdb *redis.Client
	kvc *kv.Client
	cfg *config.Config
	mgr *Manager
	pet *fakePet
}

type envOptions struct {
	numWorkers int
	noArbiter  bool
	noWorker   bool
	timeoutOK  time.Duration
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.numWorkers == 0 {
		opts.numWorkers = 1
	}
	if opts.timeoutOK == 0 {
		opts.timeoutOK = 2 * time.Second
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	kvc := kv.NewFromClient(rdb)

	env := &testEnv{rdb: rdb, kvc: kvc}

	startPort := 60000
	if !opts.noWorker {
		env.pet = newFakePet(t)
		startPort = env.pet.port()
	}

	env.cfg = &config.Config{
		NumPetServer:    opts.numWorkers,
		StartPort:       startPort,
		KVURL:           "redis://" + mr.Addr(),
		PetCmd:          "pet-server",
		TimeoutOK:       opts.timeoutOK,
		TimeoutEps:      time.Second,
		SettleInterval:  100 * time.Millisecond,
		RAMPollInterval: 100 * time.Millisecond,
		GracePeriod:     time.Second,
	}

	ctx := context.Background()
	for i := 0; i < opts.numWorkers; i++ {
		require.NoError(t, kvc.Set(ctx, kv.PetStatusKey(i), string(kv.StatusOK)))
		require.NoError(t, kvc.Set(ctx, kv.GenerationKey(i), 0))
	}
	require.NoError(t, kvc.Set(ctx, kv.ArbiterReadyKey(), 1))

	if !opts.noArbiter {
		env.startProbeResponder(t, opts.numWorkers)
	}

	env.mgr = NewManager(env.cfg, kvc)
	t.Cleanup(env.mgr.Close)
	return env
}

// startProbeResponder acknowledges probes the way the arbiter's supervisor
// loop does, without performing any repairs.
func (env *testEnv) startProbeResponder(t *testing.T, numWorkers int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for i := 0; i < numWorkers; i++ {
		sub := env.rdb.Subscribe(ctx, kv.ArbiterRequestChannel(i))
		_, err := sub.Receive(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { sub.Close() })

		go func(idx int, sub *redis.PubSub) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-sub.Channel():
					if !ok {
						return
					}
					var req struct {
						ID      string `json:"id"`
						ReplyTo string `json:"reply_to"`
					}
					if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
						continue
					}
					reply, _ := json.Marshal(map[string]string{"id": req.ID, "resp": "OK"})
					env.rdb.Publish(ctx, req.ReplyTo, reply)
					env.rdb.Incr(ctx, kv.MonitorEpochKey(idx))
				}
			}
		}(i, sub)
	}
}

func TestCreateSessionRoundRobin(t *testing.T) {
	env := newTestEnv(t, envOptions{numWorkers: 4, noWorker: true})
	ctx := context.Background()

	counts := make(map[int]int)
	for i := 0; i < 100; i++ {
		id, err := env.mgr.CreateSession(ctx)
		require.NoError(t, err)

		sess, err := LoadSession(ctx, env.kvc, id)
		require.NoError(t, err)
		counts[sess.PetIdx]++
	}

	assert.Equal(t, map[int]int{0: 25, 1: 25, 2: 25, 3: 25}, counts)
}

func TestCallRejectsNonPositiveTimeout(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	for _, timeout := range []float64{0, -5} {
		_, err = env.mgr.Call(ctx, id, routes.Goals, nil, timeout)
		require.Error(t, err)
		assert.True(t, IsCode(err, CodeProtocolError), "timeout=%g: %v", timeout, err)
	}

	// rejected before any lock was taken
	_, err = env.kvc.Get(ctx, kv.PetLockKey(0))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCallUnknownSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, err := env.mgr.Call(context.Background(), "nope", routes.Goals, nil, 10)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotFound), "%v", err)
}

func TestCallUnknownRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	_, err := env.mgr.Call(context.Background(), "whatever", "set_workspace", nil, 10)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeProtocolError), "%v", err)
}

func TestCallRecordsHistory(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	s0, err := env.mgr.GetStateAtPos(ctx, id, "theories/a.v", 10, 0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s0.Generation)

	s1, err := env.mgr.Run(ctx, id, s0, "tac1.", false, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s1.Generation)
	assert.NotEqual(t, s0.St, s1.St)

	// both states are indexed to the same tree
	mt, err := LoadMappingTree(ctx, env.kvc, id)
	require.NoError(t, err)
	rootTree, ok := mt.Get(s0.Key())
	require.True(t, ok)
	childTree, ok := mt.Get(s1.Key())
	require.True(t, ok)
	assert.Equal(t, rootTree, childTree)

	// the tree records the original params, parent-child
	tree, err := LoadParamsTree(ctx, env.kvc, id, rootTree)
	require.NoError(t, err)
	assert.Equal(t, s0.Key(), tree.StateKey)
	assert.Equal(t, routes.GetStateAtPos, tree.QueryKwargs.RouteName)
	require.Len(t, tree.Children, 1)
	child := tree.Children[0]
	assert.Equal(t, s1.Key(), child.StateKey)
	assert.Equal(t, routes.Run, child.QueryKwargs.RouteName)

	var tactic string
	require.NoError(t, json.Unmarshal(child.QueryKwargs.Params["tactic"], &tactic))
	assert.Equal(t, "tac1.", tactic)

	// a second initial call opens a second, disjoint tree
	s2, err := env.mgr.GetRootState(ctx, id, "theories/b.v", nil, 0)
	require.NoError(t, err)
	mt, err = LoadMappingTree(ctx, env.kvc, id)
	require.NoError(t, err)
	otherTree, ok := mt.Get(s2.Key())
	require.True(t, ok)
	assert.NotEqual(t, rootTree, otherTree)
}

func TestReplayAfterRestart(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	s0, err := env.mgr.GetStateAtPos(ctx, id, "theories/a.v", 10, 0, false, 0)
	require.NoError(t, err)
	s1, err := env.mgr.Run(ctx, id, s0, "tac1.", false, 5)
	require.NoError(t, err)

	// the worker was replaced: generation moves, live states died
	require.NoError(t, env.kvc.Set(ctx, kv.GenerationKey(0), 1))

	s2, err := env.mgr.Run(ctx, id, s1, "tac2.", false, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s2.Generation)

	// the worker saw the full replay: the original two calls, then the
	// path re-executed root-first, then the new tactic
	assert.Equal(t, []string{
		routes.GetStateAtPos, routes.Run,
		routes.GetStateAtPos, routes.Run,
		routes.Run,
	}, env.pet.recordedRoutes())

	// replay images were persisted for the next request
	ms, err := LoadMappingState(ctx, env.kvc, id)
	require.NoError(t, err)
	img0, ok := ms.Get(s0.Key())
	require.True(t, ok)
	assert.Equal(t, int64(1), img0.Generation)
	img1, ok := ms.Get(s1.Key())
	require.True(t, ok)
	assert.Equal(t, int64(1), img1.Generation)

	// a further call holding the same stale state reuses the mapping
	// instead of replaying again
	before := len(env.pet.recordedRoutes())
	_, err = env.mgr.Goals(ctx, id, s1, true, 0)
	require.NoError(t, err)
	assert.Equal(t, before+1, len(env.pet.recordedRoutes()))
}

func TestReplayWalksOnePathForManyRestarts(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	s0, err := env.mgr.GetStateAtPos(ctx, id, "theories/a.v", 1, 0, false, 0)
	require.NoError(t, err)
	s1, err := env.mgr.Run(ctx, id, s0, "tac1.", false, 5)
	require.NoError(t, err)

	// several restarts happened since the session's last call
	require.NoError(t, env.kvc.Set(ctx, kv.GenerationKey(0), 7))

	before := len(env.pet.recordedRoutes())
	_, err = env.mgr.Run(ctx, id, s1, "tac2.", false, 5)
	require.NoError(t, err)

	// exactly one root-to-leaf walk plus the new call, regardless of how
	// many generations were skipped
	assert.Equal(t, before+3, len(env.pet.recordedRoutes()))
}

func TestWorkerTimeoutFlagsRestart(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	s0, err := env.mgr.GetStateAtPos(ctx, id, "theories/a.v", 1, 0, false, 0)
	require.NoError(t, err)

	_, err = env.mgr.Run(ctx, id, s0, "loop.", false, 5)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTimeout), "%v", err)

	status, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	require.NoError(t, err)
	assert.Equal(t, string(kv.StatusRestartNeeded), status)
}

func TestProtocolErrorDoesNotFlagRestart(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	// an unknown state key surfaces as a protocol error before any
	// worker traffic
	_, err = env.mgr.Goals(ctx, id, State{St: 999, Generation: -1}, true, 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeProtocolError), "%v", err)

	status, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	require.NoError(t, err)
	assert.Equal(t, string(kv.StatusOK), status)
}

func TestBusyWhenLockHeld(t *testing.T) {
	env := newTestEnv(t, envOptions{timeoutOK: 200 * time.Millisecond})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	// another process holds the worker lock past our wait budget
	lock, err := env.kvc.AcquireLock(ctx, kv.PetLockKey(0), time.Minute, time.Second)
	require.NoError(t, err)
	defer lock.Release(ctx)

	_, err = env.mgr.Call(ctx, id, routes.Toc, map[string]json.RawMessage{
		"file": json.RawMessage(`"theories/a.v"`),
	}, 5)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBusy), "%v", err)
}

func TestUnavailableWithoutArbiter(t *testing.T) {
	env := newTestEnv(t, envOptions{noArbiter: true, timeoutOK: 200 * time.Millisecond})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	_, err = env.mgr.Call(ctx, id, routes.Toc, map[string]json.RawMessage{
		"file": json.RawMessage(`"theories/a.v"`),
	}, 5)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeUnavailable), "%v", err)

	// the probe timeout flags the worker
	status, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	require.NoError(t, err)
	assert.Equal(t, string(kv.StatusRestartNeeded), status)

	// the lock was released on the failure path
	_, err = env.kvc.Get(ctx, kv.PetLockKey(0))
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCallsSerializePerWorker(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	idA, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)
	idB, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	sA, err := env.mgr.GetStateAtPos(ctx, idA, "theories/a.v", 1, 0, false, 0)
	require.NoError(t, err)
	sB, err := env.mgr.GetStateAtPos(ctx, idB, "theories/b.v", 1, 0, false, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.mgr.Run(ctx, idA, sA, "tacA.", false, 5)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.mgr.Run(ctx, idB, sB, "tacB.", false, 5)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// the worker lock serialized the RPCs
	assert.Equal(t, 1, env.pet.maxInFlight())

	// histories are independent
	mtA, err := LoadMappingTree(ctx, env.kvc, idA)
	require.NoError(t, err)
	mtB, err := LoadMappingTree(ctx, env.kvc, idB)
	require.NoError(t, err)
	for key := range mtA.Mapping {
		assert.NotContains(t, mtB.Mapping, key)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{numWorkers: 2, noWorker: true})
	ctx := context.Background()

	assert.True(t, env.mgr.Status(ctx))

	require.NoError(t, env.kvc.Set(ctx, kv.PetStatusKey(1), string(kv.StatusRestartNeeded)))
	assert.False(t, env.mgr.Status(ctx))
}

func TestArchiveSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	s0, err := env.mgr.GetStateAtPos(ctx, id, "theories/a.v", 1, 0, false, 0)
	require.NoError(t, err)
	_, err = env.mgr.Run(ctx, id, s0, "tac1.", false, 5)
	require.NoError(t, err)

	require.NoError(t, env.mgr.ArchiveSession(ctx, id))

	entries, err := env.kvc.LRange(ctx, kv.ArchivedSessionsKey(), 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var entry struct {
		Session     Session       `json:"session"`
		ParamsTrees []*ParamsTree `json:"params_trees"`
	}
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	assert.Equal(t, id, entry.Session.ID)
	require.Len(t, entry.ParamsTrees, 1)
	assert.Equal(t, s0.Key(), entry.ParamsTrees[0].StateKey)
}

func TestStateHashAndStateEqual(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	s0, err := env.mgr.GetStateAtPos(ctx, id, "theories/a.v", 1, 0, false, 0)
	require.NoError(t, err)
	s1, err := env.mgr.Run(ctx, id, s0, "tac1.", false, 5)
	require.NoError(t, err)

	hash, err := env.mgr.StateHash(ctx, id, s1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), hash)

	equal, err := env.mgr.StateEqual(ctx, id, s0, s1, nil, 0)
	require.NoError(t, err)
	assert.True(t, equal)
}

func TestTaggedStatesCarryObservedGeneration(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	id, err := env.mgr.CreateSession(ctx)
	require.NoError(t, err)

	// invariant: the returned state's generation equals the generation
	// observed under the lock for that call
	for wantGen := int64(0); wantGen < 3; wantGen++ {
		require.NoError(t, env.kvc.Set(ctx, kv.GenerationKey(0), wantGen))
		st, err := env.mgr.GetRootState(ctx, id, fmt.Sprintf("theories/f%d.v", wantGen), nil, 0)
		require.NoError(t, err)
		assert.Equal(t, wantGen, st.Generation)
	}
}
