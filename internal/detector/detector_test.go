//go:build !windows

package detector

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserAliveForRunningProcess(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	d := ForPID(cmd.Process.Pid)
	assert.NotZero(t, d.StartUnix)
	ok, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "pid:"+strconv.Itoa(cmd.Process.Pid), d.Describe())
}

func TestBrowserDeadAfterExit(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	ok, err := Browser{PID: cmd.Process.Pid}.Alive()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBrowserZombieIsDead(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("zombie state is read from procfs")
	}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Wait() })
	// not reaped yet, so the child lingers as a zombie
	deadline := time.Now().Add(2 * time.Second)
	for !isZombie(cmd.Process.Pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ok, _ := Browser{PID: cmd.Process.Pid}.Alive()
	assert.False(t, ok)
}

func TestBrowserPIDReuseGuard(t *testing.T) {
	ok, err := Browser{PID: os.Getpid(), StartUnix: 1}.Alive()
	require.NoError(t, err)
	assert.False(t, ok, "a start time mismatch means the PID belongs to another process")

	ok, err = ForPID(os.Getpid()).Alive()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBrowserInvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		ok, err := Browser{PID: pid}.Alive()
		assert.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestFunc(t *testing.T) {
	boom := errors.New("boom")
	ok, err := Func(func() (bool, error) { return false, boom }).Alive()
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}
