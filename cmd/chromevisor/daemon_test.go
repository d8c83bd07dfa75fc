package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--logfile", "/tmp/x.log", "--config=c.yaml", "--pidfile", "/tmp/old.pid", "--listen", ":9"}, "/run/cv.pid")
	assert.Equal(t, []string{"serve", "--config=c.yaml", "--listen", ":9", "--pidfile", "/run/cv.pid"}, got)

	got = daemonArgs([]string{"serve", "--daemonize=true", "--logfile=/tmp/x.log"}, "")
	assert.Equal(t, []string{"serve"}, got)
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cv.pid")
	require.NoError(t, writePidFile(p))
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))

	require.NoError(t, removePidFile(p))
	assert.NoFileExists(t, p)
	assert.NoError(t, removePidFile(""))
}
