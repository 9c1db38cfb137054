package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/kv"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/worker"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type arbiterEnv struct {
	rdb    *redis.Client
	kvc    *kv.Client
	cfg    *config.Config
	arb    *Arbiter
	cancel context.CancelFunc
	done   chan error
}

// stubScript writes a do-nothing pet-server stand-in with a unique name so
// the startup sweep cannot touch other tests' processes.
func stubScript(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\nsleep 60\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newArbiterEnv(t *testing.T, maxRAMMB int) *arbiterEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	kvc := kv.NewFromClient(rdb)

	cfg := &config.Config{
		NumPetServer:    1,
		StartPort:       59100,
		MaxRAMMB:        maxRAMMB,
		KVURL:           "redis://" + mr.Addr(),
		PetCmd:          stubScript(t, "hutcharb"),
		TimeoutOK:       2 * time.Second,
		TimeoutEps:      time.Second,
		SettleInterval:  200 * time.Millisecond,
		RAMPollInterval: 50 * time.Millisecond,
		GracePeriod:     time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &arbiterEnv{
		rdb:    rdb,
		kvc:    kvc,
		cfg:    cfg,
		arb:    New(cfg, kvc),
		cancel: cancel,
		done:   make(chan error, 1),
	}

	go func() {
		env.done <- env.arb.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-env.done:
		case <-time.After(10 * time.Second):
			t.Log("arbiter did not stop in time")
		}
	})

	// wait for the pool to come up
	require.Eventually(t, func() bool {
		ready, err := kvc.Get(context.Background(), kv.ArbiterReadyKey())
		return err == nil && ready == "1"
	}, 5*time.Second, 50*time.Millisecond, "arbiter never became ready")

	return env
}

// probe publishes probe requests until a matching reply arrives, retrying
// because the supervisor subscription may come up slightly after the ready
// flag.
func (env *arbiterEnv) probe(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		reqID := uuid.NewString()
		replyChannel := kv.ArbiterReplyChannel(0, reqID)

		sub := env.rdb.Subscribe(ctx, replyChannel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			t.Fatalf("subscribe failed: %v", err)
		}

		payload, _ := json.Marshal(map[string]string{"id": reqID, "reply_to": replyChannel})
		require.NoError(t, env.rdb.Publish(ctx, kv.ArbiterRequestChannel(0), payload).Err())

		select {
		case msg := <-sub.Channel():
			var reply struct {
				ID   string `json:"id"`
				Resp string `json:"resp"`
			}
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &reply))
			assert.Equal(t, reqID, reply.ID)
			assert.Equal(t, "OK", reply.Resp)
			sub.Close()
			return
		case <-time.After(time.Second):
			sub.Close()
			// supervisor not subscribed yet or restart in progress; retry
		case <-ctx.Done():
			t.Fatal("no probe reply")
		}
	}
}

func TestStartupInitializesPool(t *testing.T) {
	env := newArbiterEnv(t, 0)
	ctx := context.Background()

	status, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	require.NoError(t, err)
	assert.Equal(t, string(kv.StatusOK), status)

	gen, err := env.kvc.GetInt(ctx, kv.GenerationKey(0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)
}

func TestProbeBumpsMonitorEpoch(t *testing.T) {
	env := newArbiterEnv(t, 0)
	ctx := context.Background()

	env.probe(t)
	epoch1, err := env.kvc.GetInt(ctx, kv.MonitorEpochKey(0))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, epoch1, int64(1))

	env.probe(t)
	epoch2, err := env.kvc.GetInt(ctx, kv.MonitorEpochKey(0))
	require.NoError(t, err)
	assert.Greater(t, epoch2, epoch1)
}

func TestRequestedRestartBumpsGeneration(t *testing.T) {
	env := newArbiterEnv(t, 0)
	ctx := context.Background()

	require.NoError(t, env.kvc.Set(ctx, kv.PetStatusKey(0), string(kv.StatusRestartNeeded)))

	// the supervisor repairs on the next probe; the reply arrives only
	// after the full tick, restart included
	env.probe(t)

	gen, err := env.kvc.GetInt(ctx, kv.GenerationKey(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	status, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	require.NoError(t, err)
	assert.Equal(t, string(kv.StatusOK), status)
}

func TestCrashDetectedOnProbe(t *testing.T) {
	env := newArbiterEnv(t, 0)
	ctx := context.Background()

	// kill the subprocess behind the arbiter's back
	require.NoError(t, worker.KillByName("hutcharb"))
	// give the exit a moment to be observable
	time.Sleep(200 * time.Millisecond)

	// a single probe covers the full tick: crash detection, restart, ack
	env.probe(t)

	gen, err := env.kvc.GetInt(ctx, kv.GenerationKey(0))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, gen, int64(1))

	status, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	require.NoError(t, err)
	assert.Equal(t, string(kv.StatusOK), status)
}

func TestRAMMonitorLeavesHealthyWorkersAlone(t *testing.T) {
	// a generous limit: the stub never comes close
	env := newArbiterEnv(t, 10000)
	ctx := context.Background()

	time.Sleep(300 * time.Millisecond)

	status, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	require.NoError(t, err)
	assert.Equal(t, string(kv.StatusOK), status)
}

func TestShutdownClearsKeyspace(t *testing.T) {
	env := newArbiterEnv(t, 0)
	ctx := context.Background()

	env.cancel()
	select {
	case err := <-env.done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("arbiter did not shut down")
	}

	_, err := env.kvc.Get(ctx, kv.PetStatusKey(0))
	assert.True(t, errors.Is(err, kv.ErrNotFound))
	_, err = env.kvc.Get(ctx, kv.ArbiterReadyKey())
	assert.True(t, errors.Is(err, kv.ErrNotFound))
}
