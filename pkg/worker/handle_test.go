package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// stubScript writes a do-nothing pet-server stand-in. The name is kept
// short so the kernel's truncated process name still matches it.
func stubScript(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\nsleep 60\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSpawnAliveTerminate(t *testing.T) {
	h := NewHandle(0, 59001, stubScript(t, "hutchpet"))

	require.NoError(t, h.Spawn())
	defer h.Terminate(time.Second)

	assert.True(t, h.Alive())
	assert.Greater(t, h.PID(), 0)

	require.NoError(t, h.Terminate(time.Second))
	assert.False(t, h.Alive())
	assert.Equal(t, 0, h.PID())
}

func TestSpawnWhileRunningFails(t *testing.T) {
	h := NewHandle(1, 59002, stubScript(t, "hutchpet"))

	require.NoError(t, h.Spawn())
	defer h.Terminate(time.Second)

	assert.Error(t, h.Spawn())
}

func TestRespawnAfterTerminate(t *testing.T) {
	h := NewHandle(2, 59003, stubScript(t, "hutchpet"))

	require.NoError(t, h.Spawn())
	first := h.PID()
	require.NoError(t, h.Terminate(time.Second))

	require.NoError(t, h.Spawn())
	defer h.Terminate(time.Second)
	assert.True(t, h.Alive())
	assert.NotEqual(t, first, h.PID())
}

func TestTerminateWithoutSpawn(t *testing.T) {
	h := NewHandle(3, 59004, stubScript(t, "hutchpet"))
	assert.NoError(t, h.Terminate(time.Second))
}

func TestRSSMegabytes(t *testing.T) {
	h := NewHandle(4, 59005, stubScript(t, "hutchpet"))

	require.NoError(t, h.Spawn())
	defer h.Terminate(time.Second)

	// give the process a moment to be inspectable
	time.Sleep(100 * time.Millisecond)

	rss, err := h.RSSMegabytes()
	require.NoError(t, err)
	assert.Greater(t, rss, 0.0)
}

func TestRSSWithoutProcess(t *testing.T) {
	h := NewHandle(5, 59006, stubScript(t, "hutchpet"))
	_, err := h.RSSMegabytes()
	assert.Error(t, err)
}

func TestKillByName(t *testing.T) {
	// a unique name so the sweep cannot touch anything else
	h := NewHandle(6, 59007, stubScript(t, "hutchsweep"))
	require.NoError(t, h.Spawn())
	defer h.Terminate(time.Second)

	require.NoError(t, KillByName("hutchsweep"))

	// the process should be gone shortly after the kill
	deadline := time.Now().Add(2 * time.Second)
	for h.Alive() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, h.Alive())
}
