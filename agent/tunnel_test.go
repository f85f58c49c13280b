package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeFRPC writes an executable that copies its config next to itself and
// then sleeps like a connected frpc.
func fakeFRPC(t *testing.T) (bin, copied string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "frpc")
	copied = filepath.Join(dir, "seen.ini")
	script := "#!/bin/sh\ncp \"$2\" " + copied + "\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, copied
}

func TestFRPCStartStop(t *testing.T) {
	bin, copied := fakeFRPC(t)

	f, err := NewFRPC(bin, zaptest.NewLogger(t))
	require.NoError(t, err)
	f.dir = t.TempDir()

	cfg := "[common]\nserver_addr = frp.example.com\n"
	require.NoError(t, f.Start("rental-1", cfg))
	// second start of the same rental is ignored
	require.NoError(t, f.Start("rental-1", "ignored"))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(copied)
		return err == nil && string(b) == cfg
	}, 5*time.Second, 10*time.Millisecond)

	f.mu.Lock()
	p := f.procs["rental-1"]
	f.mu.Unlock()
	require.NotNil(t, p)

	f.Stop("rental-1")
	<-p.done
	_, err = os.Stat(p.config)
	assert.True(t, os.IsNotExist(err), "config file should be removed")

	// stopping again is a no-op
	f.Stop("rental-1")
}

func TestFRPCStopAll(t *testing.T) {
	bin, _ := fakeFRPC(t)
	f, err := NewFRPC(bin, nil)
	require.NoError(t, err)
	f.dir = t.TempDir()

	require.NoError(t, f.Start("a", "x"))
	require.NoError(t, f.Start("b", "y"))

	f.StopAll()

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.procs)
}

func TestNewFRPCNotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := NewFRPC(filepath.Join(t.TempDir(), "missing"), nil)
	assert.ErrorIs(t, err, ErrFRPCNotFound)
}
